// Package gen exports a fingerprinted build as a ninja file.
package gen

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// StatusExt is appended to an object path for the file in which a failed
// compile leaves the compiler's exit status
const StatusExt = ".status"

// ErrNinjaNotFound is returned by Invoke when ninja is not on PATH
var ErrNinjaNotFound = errors.New("ninja not found on PATH")

// sourceFile represents a single source file and its fingerprint-named object
type sourceFile struct {
	src string
	obj string
}

// NinjaGen writes a build.ninja that compiles into the object cache. Object
// edges have no inputs, so ninja builds an object only when its
// fingerprint-named file is missing, which is exactly a cache miss.
type NinjaGen struct {
	goos    string
	cc      string
	cflags  []string
	ldflags []string
	links   []string
	output  string
	shared  bool

	sources []sourceFile
	objects map[string]struct{}
	link    []string
}

func NewNinjaGen(cc string) *NinjaGen {
	return &NinjaGen{goos: runtime.GOOS, cc: cc, objects: make(map[string]struct{})}
}

// SetFlags sets compile flags (already including -D and -I) and link flags
func (g *NinjaGen) SetFlags(cflags, ldflags, links []string, shared bool) {
	g.cflags, g.ldflags, g.links, g.shared = cflags, ldflags, links, shared
}

func (g *NinjaGen) BuildFile() string { return "build.ninja" }

var ninjaPathEscaper = strings.NewReplacer("$", "$$", ":", "$:", " ", "$ ")

func quote(s string) string { return ninjaPathEscaper.Replace(s) }

// shellQuote is for values substituted into a command line, not paths in
// build statements
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'$\\;&|<>()*?#`") {
		return s
	}
	return "'" + strings.ReplaceAll(strings.ReplaceAll(s, "'", `'\''`), "$", "$$") + "'"
}

func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

// AddUnit records that src compiles to obj (a path relative to the build
// directory). Every unit takes part in the link, but two units sharing an
// object produce a single compile edge.
func (g *NinjaGen) AddUnit(src, obj string) {
	if g.goos != "windows" {
		obj = filepath.ToSlash(obj)
	}
	g.link = append(g.link, obj)
	if _, dup := g.objects[obj]; dup {
		return
	}
	g.objects[obj] = struct{}{}
	g.sources = append(g.sources, sourceFile{src: src, obj: obj})
}

// Objects lists every compile edge's output, without duplicates
func (g *NinjaGen) Objects() []string {
	objects := make([]string, len(g.sources))
	for i, source := range g.sources {
		objects[i] = source.obj
	}
	return objects
}

// compileCommand goes through a temporary name so an interrupted compile
// never leaves a partial file under a fingerprint. On failure the POSIX
// command records the compiler's status next to the object.
func (g *NinjaGen) compileCommand() string {
	if g.goos == "windows" {
		return "cmd /c $cc $cflags -c $src -o $out.tmp && move /Y $out.tmp $out >NUL"
	}
	return "$cc $cflags -c $src -o $out.tmp && mv -f $out.tmp $out || { st=$$?; echo $$st > $out" + StatusExt + "; exit $$st; }"
}

// SetOutput names the linked artifact, relative to the build directory
func (g *NinjaGen) SetOutput(name string) { g.output = name }

func (g *NinjaGen) Generate() string {
	var sb strings.Builder

	cflags := g.cflags
	if g.shared {
		cflags = append(cflags[:len(cflags):len(cflags)], "-fpic")
	}
	ldflags := g.ldflags
	if g.shared {
		ldflags = append(ldflags[:len(ldflags):len(ldflags)], "-shared")
	}
	libs := make([]string, len(g.links))
	for i, link := range g.links {
		libs[i] = "-l" + link
	}

	writeln(&sb, "ninja_required_version = 1.1")
	writeln(&sb, "cc = ", shellQuote(g.cc))
	writeln(&sb, "cflags = ", joinArgs(cflags))
	writeln(&sb, "ldflags = ", joinArgs(ldflags))
	writeln(&sb, "libs = ", joinArgs(libs))
	writeln(&sb)

	writeln(&sb, "rule cc")
	writeln(&sb, "  command = ", g.compileCommand())
	writeln(&sb, "  description = CC $src")
	write(&sb,
		`rule link
  command = $cc -o $out $ldflags $in $libs
  description = LINK $out
`)
	writeln(&sb)

	for _, source := range g.sources {
		writeln(&sb, "build ", quote(source.obj), ": cc")
		writeln(&sb, "  src = ", shellQuote(source.src))
	}
	writeln(&sb)

	write(&sb, "build ", quote(g.output), ": link")
	for _, obj := range g.link {
		write(&sb, " ", quote(obj))
	}
	writeln(&sb)
	writeln(&sb, "default ", quote(g.output))

	return sb.String()
}

// Write generates the build file into buildDir and returns its path
func (g *NinjaGen) Write(buildDir string) (string, error) {
	path := filepath.Join(buildDir, g.BuildFile())
	return path, os.WriteFile(path, []byte(g.Generate()), 0o644)
}

// Invoke runs ninja in buildDir for targets, or its default target when none
// are given. A failing build is returned as an *exec.ExitError.
func Invoke(ctx context.Context, buildDir string, targets ...string) error {
	ninja, err := exec.LookPath("ninja")
	if err != nil {
		return ErrNinjaNotFound
	}
	cmd := exec.CommandContext(ctx, ninja, append([]string{"-C", buildDir}, targets...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}
