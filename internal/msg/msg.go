package msg

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"
)

// Out receives all user-facing messages
var Out io.Writer = color.Output

// Log carries debug diagnostics (unresolved includes, cache decisions). It stays
// at warn level unless SetVerbose is called.
var Log = log.NewWithOptions(os.Stderr, log.Options{
	Prefix: "hashbuild",
	Level:  log.WarnLevel,
})

func SetVerbose(verbose bool) {
	if verbose {
		Log.SetLevel(log.DebugLevel)
	} else {
		Log.SetLevel(log.WarnLevel)
	}
}

var outMu sync.Mutex

// emit writes the whole line at once so concurrent callers never interleave
func emit(level, format string, a ...any) {
	line := level + ": " + fmt.Sprintf(format, a...) + "\n"
	outMu.Lock()
	defer outMu.Unlock()
	io.WriteString(Out, line)
}

func Error(format string, a ...any) {
	emit(color.HiRedString("error"), format, a...)
}

func Warn(format string, a ...any) {
	emit(color.YellowString("warn"), format, a...)
}

func Fatal(format string, a ...any) {
	emit(color.RedString("fatal"), format, a...)
	os.Exit(1)
}

func Info(format string, a ...any) {
	emit(color.HiGreenString("info"), format, a...)
}

// Step prints a build phase header, e.g. "[Using build profile linux]"
func Step(format string, a ...any) {
	fmt.Fprintln(Out, color.MagentaString("["+format+"]", a...))
}

// Progress prints a per-unit line such as `[ 3/12 Building item: "src/a.c"]`.
// The counter is padded so that columns line up for the whole run.
func Progress(current, total int, verb, path string) {
	counter := fmt.Sprintf("%d/%d", current, total)
	width := 2*len(fmt.Sprint(total)) + 1
	if pad := width - len(counter); pad > 0 {
		counter += strings.Repeat(" ", pad)
	}
	fmt.Fprintln(Out, color.CyanString("[%s %s item: %q]", counter, verb, path))
}

type IndentWriter struct {
	Indent    string
	W         io.Writer
	didIndent bool
}

func (w *IndentWriter) Write(p []byte) (n int, err error) {
	buf := make([]byte, 0, len(p)+len(w.Indent))
	for _, c := range p {
		if !w.didIndent {
			buf = append(buf, w.Indent...)
			w.didIndent = true
		}
		buf = append(buf, c)
		if c == '\n' || c == '\r' {
			w.didIndent = false
		}
	}
	if _, err := w.W.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}
