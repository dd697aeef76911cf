package gen

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNinjaGen_Generate(t *testing.T) {
	g := NewNinjaGen("gcc")
	g.SetFlags([]string{"-Wall", "-DNAME=a b", "-I/src/include"}, []string{"-rdynamic"}, []string{"m"}, false)
	g.AddUnit("/src/a.c", "outputs/aaaa.o")
	g.AddUnit("/src/b.c", "outputs/bbbb.o")
	g.AddUnit("/src/copy of a.c", "outputs/aaaa.o")
	g.SetOutput("app")

	out := g.Generate()
	assert.Contains(t, out, "cc = gcc\n")
	assert.Contains(t, out, "cflags = -Wall '-DNAME=a b' -I/src/include\n")
	assert.Contains(t, out, "libs = -lm\n")
	assert.Contains(t, out, "build outputs/aaaa.o: cc\n  src = /src/a.c\n")
	assert.Contains(t, out, "build outputs/bbbb.o: cc\n  src = /src/b.c\n")
	assert.NotContains(t, out, "copy of a.c")
	assert.Equal(t, 1, strings.Count(out, "build outputs/aaaa.o: cc"))
	assert.Contains(t, out, "build app: link outputs/aaaa.o outputs/bbbb.o outputs/aaaa.o\n")
	assert.Contains(t, out, "default app\n")
	assert.NotContains(t, out, "-fpic")
}

func TestNinjaGen_Shared(t *testing.T) {
	cflags := []string{"-Wall"}
	g := NewNinjaGen("cc")
	g.SetFlags(cflags, nil, nil, true)
	g.AddUnit("/src/a.c", "outputs/aaaa.o")
	g.SetOutput("libfoo.so")

	out := g.Generate()
	assert.Contains(t, out, "cflags = -Wall -fpic\n")
	assert.Contains(t, out, "ldflags = -shared\n")
	assert.Equal(t, []string{"-Wall"}, cflags)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "C$:/a$ b/x.o", quote("C:/a b/x.o"))
	assert.Equal(t, "plain", shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "''", shellQuote(""))
}

func TestNinjaGen_Write(t *testing.T) {
	dir := t.TempDir()
	g := NewNinjaGen("cc")
	g.SetOutput("app")

	path, err := g.Write(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "build.ninja"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, g.Generate(), string(data))
}

func TestNinjaGen_Objects(t *testing.T) {
	g := NewNinjaGen("cc")
	g.AddUnit("/src/a.c", "outputs/aaaa.o")
	g.AddUnit("/src/b.c", "outputs/bbbb.o")
	g.AddUnit("/src/a2.c", "outputs/aaaa.o")

	assert.Equal(t, []string{"outputs/aaaa.o", "outputs/bbbb.o"}, g.Objects())
	assert.Empty(t, NewNinjaGen("cc").Objects())
}

func TestNinjaGen_CompileCommandPerPlatform(t *testing.T) {
	g := NewNinjaGen("cc")
	g.goos = "linux"
	g.SetOutput("app")
	out := g.Generate()
	assert.Contains(t, out, "mv -f $out.tmp $out")
	assert.Contains(t, out, "echo $$st > $out.status; exit $$st;")

	g.goos = "windows"
	out = g.Generate()
	assert.Contains(t, out, "cmd /c $cc $cflags -c $src -o $out.tmp && move /Y $out.tmp $out")
	assert.NotContains(t, out, "mv -f")
}
