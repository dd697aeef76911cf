// Package toolchain invokes the external C compiler and linker.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
)

var errNoCompiler = errors.New("no C compiler configured or found on PATH (set CC or profile.compiler)")

// CompileRequest describes one translation unit compilation
type CompileRequest struct {
	Compiler string
	Source   string
	Output   string
	Defines  []string
	Includes []string
	Cflags   []string
	Shared   bool
}

// LinkRequest describes the final link of all objects
type LinkRequest struct {
	Compiler string
	Objects  []string
	Links    []string
	Ldflags  []string
	Output   string
	Shared   bool
}

func (r CompileRequest) commonArgs() []string {
	args := make([]string, 0, len(r.Defines)+len(r.Includes))
	for _, define := range r.Defines {
		args = append(args, "-D"+define)
	}
	for _, include := range r.Includes {
		args = append(args, "-I"+include)
	}
	return args
}

// CompileArgs builds `cflags -D.. -I.. [-fpic] -c src -o out`
func CompileArgs(r CompileRequest) []string {
	args := make([]string, 0, len(r.Cflags)+len(r.Defines)+len(r.Includes)+6)
	args = append(args, r.Cflags...)
	args = append(args, r.commonArgs()...)
	if r.Shared {
		args = append(args, "-fpic")
	}
	return append(args, "-c", r.Source, "-o", r.Output)
}

// PreprocessArgs builds `-E -D.. -I.. src`
func PreprocessArgs(r CompileRequest) []string {
	args := []string{"-E"}
	args = append(args, r.commonArgs()...)
	return append(args, r.Source)
}

// LinkArgs builds `-o out ldflags [-shared] objs -l..`
func LinkArgs(r LinkRequest) []string {
	args := make([]string, 0, len(r.Objects)+len(r.Links)+len(r.Ldflags)+3)
	args = append(args, "-o", r.Output)
	args = append(args, r.Ldflags...)
	if r.Shared {
		args = append(args, "-shared")
	}
	args = append(args, r.Objects...)
	for _, lib := range r.Links {
		args = append(args, "-l"+lib)
	}
	return args
}

// Exec runs the toolchain as child processes. Children are killed when the
// context passed to a call is cancelled.
type Exec struct {
	Stdout io.Writer
	Stderr io.Writer
}

func NewExec() *Exec {
	return &Exec{Stdout: os.Stdout, Stderr: os.Stderr}
}

// Compile runs the compiler and returns its exit status. The error is only set
// when the compiler could not be run at all.
func (e *Exec) Compile(ctx context.Context, r CompileRequest) (int, error) {
	if r.Compiler == "" {
		return 0, errNoCompiler
	}
	return e.run(ctx, r.Compiler, CompileArgs(r), e.Stdout)
}

// Link runs the linker and returns its exit status
func (e *Exec) Link(ctx context.Context, r LinkRequest) (int, error) {
	if r.Compiler == "" {
		return 0, errNoCompiler
	}
	return e.run(ctx, r.Compiler, LinkArgs(r), e.Stdout)
}

// Preprocess returns the compiler's `-E` output for r.Source
func (e *Exec) Preprocess(ctx context.Context, r CompileRequest) ([]byte, error) {
	if r.Compiler == "" {
		return nil, errNoCompiler
	}
	var out bytes.Buffer
	status, err := e.run(ctx, r.Compiler, PreprocessArgs(r), &out)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, fmt.Errorf("preprocessing %s exited with status %d", r.Source, status)
	}
	return out.Bytes(), nil
}

// Shell runs command through the platform shell and returns its exit status
func (e *Exec) Shell(ctx context.Context, dir, command string) (int, error) {
	name, args := "sh", []string{"-c", command}
	if runtime.GOOS == "windows" {
		name, args = "cmd", []string{"/C", command}
	}
	return e.runIn(ctx, dir, name, args, e.Stdout)
}

func (e *Exec) run(ctx context.Context, name string, args []string, stdout io.Writer) (int, error) {
	return e.runIn(ctx, "", name, args, stdout)
}

func (e *Exec) runIn(ctx context.Context, dir, name string, args []string, stdout io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = e.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return 0, context.Cause(ctx)
		}
		return ExitStatus(exitErr.ExitCode()), nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return 0, nil
}

// ExitStatus maps a raw exit code to a usable process status; processes
// killed by a signal report -1 and become 1.
func ExitStatus(code int) int {
	if code < 0 {
		return 1
	}
	return code
}
