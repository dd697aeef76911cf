package fingerprint

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFingerprint_HeaderEdits(t *testing.T) {
	dir := t.TempDir()
	unit := writeFile(t, filepath.Join(dir, "a.c"), "#include \"a.h\"\nint f(){return 1;}")
	header := writeFile(t, filepath.Join(dir, "a.h"), "#pragma once\n#define X 1\n")

	first, err := Of(unit, nil)
	require.NoError(t, err)

	second, err := Of(unit, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint, "no edits must keep the fingerprint")

	writeFile(t, header, "#pragma once\n#define X 2\n")
	changed, err := Of(unit, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, changed.Fingerprint, "header edit must change the fingerprint")

	// every byte outside the directive lines is hashed, so a blank line counts
	writeFile(t, header, "#pragma once\n\n#define X 1\n")
	blank, err := Of(unit, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, blank.Fingerprint)

	// the `#pragma once` line itself is not part of the closure
	writeFile(t, header, "#define X 1\n")
	noGuard, err := Of(unit, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, noGuard.Fingerprint)
}

func TestClosure_SplicesIncludes(t *testing.T) {
	dir := t.TempDir()
	unit := writeFile(t, filepath.Join(dir, "a.c"), "#include \"a.h\"\nint f(){return 1;}")
	writeFile(t, filepath.Join(dir, "a.h"), "#pragma once\n#define X 1\n")

	text, res, err := Engine{}.Closure(unit, nil)
	require.NoError(t, err)
	assert.Equal(t, "#define X 1\nint f(){return 1;}", string(text))
	assert.Equal(t, []string{Normalize(dir)}, res.Touched)
}

func TestFingerprint_DeterministicAcrossLocations(t *testing.T) {
	build := func(root string) string {
		writeFile(t, filepath.Join(root, "inc", "util.h"), "int util(void);\n")
		return writeFile(t, filepath.Join(root, "src", "main.c"), "#include \"util.h\"\nint main(void){return util();}\n")
	}
	rootA, rootB := t.TempDir(), t.TempDir()
	unitA, unitB := build(rootA), build(rootB)

	a, err := Of(unitA, []string{filepath.Join(rootA, "inc")})
	require.NoError(t, err)
	b, err := Of(unitB, []string{filepath.Join(rootB, "inc")})
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
}

func TestFingerprint_TransitiveSensitivity(t *testing.T) {
	dir := t.TempDir()
	unit := writeFile(t, filepath.Join(dir, "main.c"), "#include \"outer.h\"\nint main(void){return 0;}\n")
	writeFile(t, filepath.Join(dir, "outer.h"), "#include \"inner.h\"\n")
	inner := writeFile(t, filepath.Join(dir, "inner.h"), "typedef int word;\n")

	before, err := Of(unit, nil)
	require.NoError(t, err)

	writeFile(t, inner, "typedef long word;\n")
	after, err := Of(unit, nil)
	require.NoError(t, err)
	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)
}

func TestClosure_OnceGuardIncludedOnce(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "common.h"), "#pragma once\nstruct common { int x; };\n")
	writeFile(t, filepath.Join(dir, "b.h"), "#include \"common.h\"\nstruct b { struct common c; };\n")
	unit := writeFile(t, filepath.Join(dir, "a.c"), "#include \"common.h\"\n#include \"b.h\"\n#include \"./common.h\"\n")

	text, _, err := Engine{}.Closure(unit, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(text, []byte("struct common { int x; };")))
	assert.Equal(t, "struct common { int x; };\nstruct b { struct common c; };\n", string(text))
}

func TestClosure_WithoutOnceGuardRepeats(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "plain.h"), "int plain;\n")
	unit := writeFile(t, filepath.Join(dir, "a.c"), "#include \"plain.h\"\n#include \"plain.h\"\n")

	text, _, err := Engine{}.Closure(unit, nil)
	require.NoError(t, err)
	assert.Equal(t, "int plain;\nint plain;\n", string(text))
}

func TestClosure_UnresolvedIncludeContributesNothing(t *testing.T) {
	dir := t.TempDir()
	unit := writeFile(t, filepath.Join(dir, "a.c"), "#include <stdio.h>\n#include \"missing.h\"\nint x;\n")

	res, err := Of(unit, []string{filepath.Join(dir, "nowhere")})
	require.NoError(t, err)
	assert.Equal(t, Sum([]byte("int x;\n")), res.Fingerprint)
	assert.Equal(t, []string{Normalize(dir)}, res.Touched, "directories that resolved nothing are not recorded")
}

func TestClosure_FirstIncludeDirWins(t *testing.T) {
	root := t.TempDir()
	first := filepath.Join(root, "first")
	second := filepath.Join(root, "second")
	writeFile(t, filepath.Join(first, "cfg.h"), "#define FIRST\n")
	writeFile(t, filepath.Join(second, "cfg.h"), "#define SECOND\n")
	unit := writeFile(t, filepath.Join(root, "src", "a.c"), "#include \"cfg.h\"\n")

	text, res, err := Engine{}.Closure(unit, []string{first, second})
	require.NoError(t, err)
	assert.Equal(t, "#define FIRST\n", string(text))
	assert.Equal(t, []string{Normalize(filepath.Join(root, "src")), Normalize(first)}, res.Touched)

	// the unit's own directory is searched before any configured directory
	writeFile(t, filepath.Join(root, "src", "cfg.h"), "#define LOCAL\n")
	text, _, err = Engine{}.Closure(unit, []string{first, second})
	require.NoError(t, err)
	assert.Equal(t, "#define LOCAL\n", string(text))
}

func TestFingerprint_EquivalentSearchPaths(t *testing.T) {
	root := t.TempDir()
	left := filepath.Join(root, "left")
	right := filepath.Join(root, "right")
	for _, dir := range []string{left, right} {
		writeFile(t, filepath.Join(dir, "shared.h"), "#pragma once\nint shared(void);\n")
	}
	one := writeFile(t, filepath.Join(root, "one", "u.c"), "#include \"shared.h\"\nint u;\n")
	two := writeFile(t, filepath.Join(root, "two", "u.c"), "#include \"shared.h\"\nint u;\n")

	a, err := Of(one, []string{left, right})
	require.NoError(t, err)
	b, err := Of(two, []string{right, left})
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
}

func TestFingerprint_MissingOrEmptyRoot(t *testing.T) {
	dir := t.TempDir()
	empty := Sum(nil)

	missing, err := Of(filepath.Join(dir, "nope.c"), nil)
	require.NoError(t, err)
	assert.Equal(t, empty, missing.Fingerprint)
	assert.Empty(t, missing.Touched)

	blank, err := Of(writeFile(t, filepath.Join(dir, "empty.c"), ""), nil)
	require.NoError(t, err)
	assert.Equal(t, empty, blank.Fingerprint)
}

func TestFingerprint_IncludeCycle(t *testing.T) {
	t.Run("unguarded cycle fails", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "x.h"), "#include \"y.h\"\n")
		writeFile(t, filepath.Join(dir, "y.h"), "#include \"x.h\"\n")
		unit := writeFile(t, filepath.Join(dir, "a.c"), "#include \"x.h\"\n")

		_, err := Engine{MaxDepth: 16}.Fingerprint(unit, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrIncludeDepth)
	})

	t.Run("guarded cycle terminates", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "x.h"), "#pragma once\n#include \"y.h\"\nint x;\n")
		writeFile(t, filepath.Join(dir, "y.h"), "#pragma once\n#include \"x.h\"\nint y;\n")
		unit := writeFile(t, filepath.Join(dir, "a.c"), "#include \"x.h\"\n")

		text, _, err := Engine{}.Closure(unit, nil)
		require.NoError(t, err)
		assert.Equal(t, "int y;\nint x;\n", string(text))
	})
}

func TestFingerprint_LineTerminatorsMatter(t *testing.T) {
	dir := t.TempDir()
	lf, err := Of(writeFile(t, filepath.Join(dir, "lf.c"), "int a;\n"), nil)
	require.NoError(t, err)
	crlf, err := Of(writeFile(t, filepath.Join(dir, "crlf.c"), "int a;\r\n"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, lf.Fingerprint, crlf.Fingerprint)
}

func TestFingerprint_Concurrent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "h.h"), "#pragma once\nint h;\n")
	unit := writeFile(t, filepath.Join(dir, "a.c"), "#include \"h.h\"\n#include \"h.h\"\nint a;\n")
	want := Sum([]byte("int h;\nint a;\n"))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := Of(unit, nil)
			assert.NoError(t, err)
			assert.Equal(t, want, res.Fingerprint)
		}()
	}
	wg.Wait()
}

func TestSum(t *testing.T) {
	fp := Sum([]byte("abc"))
	assert.Len(t, fp.String(), 128)
	assert.Equal(t, fp.String()[:12], fp.Short())
	assert.NotEqual(t, fp, Sum([]byte("abd")))
}

func TestFingerprint_NestedIncludeResolvesNextToIncluder(t *testing.T) {
	dir := t.TempDir()
	unit := writeFile(t, filepath.Join(dir, "a.c"), "#include \"sub/x.h\"\nint f(void){return Y;}\n")
	writeFile(t, filepath.Join(dir, "sub", "x.h"), "#pragma once\n#include \"y.h\"\n")
	y := writeFile(t, filepath.Join(dir, "sub", "y.h"), "#define Y 1\n")

	text, res, err := Engine{}.Closure(unit, nil)
	require.NoError(t, err)
	assert.Equal(t, "#define Y 1\nint f(void){return Y;}\n", string(text))
	assert.Equal(t, []string{Normalize(dir), Normalize(filepath.Join(dir, "sub"))}, res.Touched)

	before, err := Of(unit, nil)
	require.NoError(t, err)
	writeFile(t, y, "#define Y 2\n")
	after, err := Of(unit, nil)
	require.NoError(t, err)
	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)
}

func TestClosure_IncluderDirectoryBeforeSearchPath(t *testing.T) {
	root := t.TempDir()
	inc := filepath.Join(root, "include")
	writeFile(t, filepath.Join(inc, "lib", "api.h"), "#include \"detail.h\"\n")
	writeFile(t, filepath.Join(inc, "lib", "detail.h"), "int near;\n")
	writeFile(t, filepath.Join(inc, "detail.h"), "int far;\n")
	unit := writeFile(t, filepath.Join(root, "src", "a.c"), "#include \"lib/api.h\"\n")

	text, _, err := Engine{}.Closure(unit, []string{inc})
	require.NoError(t, err)
	assert.Equal(t, "int near;\n", string(text))
}
