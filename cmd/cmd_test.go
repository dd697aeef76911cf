package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qobs-build/hashbuild/internal/builder"
	"github.com/qobs-build/hashbuild/internal/config"
	"github.com/qobs-build/hashbuild/internal/fingerprint"
	"github.com/qobs-build/hashbuild/internal/msg"
)

func TestMain(m *testing.M) {
	msg.Out = io.Discard
	os.Exit(m.Run())
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"compile", &builder.CompileError{Unit: "a.c", Status: 4}, 4},
		{"wrapped link", fmt.Errorf("run: %w", &builder.LinkError{Status: 2}), 2},
		{"killed compiler", &builder.CompileError{Unit: "a.c", Status: 0}, 1},
		{"config", config.ErrProfileNotFound, 1},
		{"other", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitStatus(tt.err))
		})
	}
}

func TestEnumValue(t *testing.T) {
	e := NewEnumValue("b", map[string]string{"a": "first", "b": "", "c": "third"})
	assert.Equal(t, "b", e.Value())
	assert.Equal(t, "[a, b, c]", e.HelpString())

	require.NoError(t, e.Set("c"))
	assert.Equal(t, "c", e.String())
	assert.Error(t, e.Set("d"))
	assert.Equal(t, "c", e.Value())

	items, _ := e.CompletionFunc()(&cobra.Command{}, nil, "")
	assert.Equal(t, []string{"a\tfirst", "b", "c\tthird"}, items)

	assert.Panics(t, func() { NewEnumValue("x", map[string]string{"a": ""}) })
}

func TestProfileArg(t *testing.T) {
	assert.Equal(t, "linux", profileArg([]string{"linux"}))
	assert.NotEmpty(t, profileArg(nil))
	assert.NotEqual(t, "windows", profileArg(nil))
}

func TestProfileTemplate(t *testing.T) {
	env := config.NewConfigEnv(t.TempDir())
	env.Environ = map[string]string{"DEBUG": "1"}

	file, err := config.Parse(strings.NewReader(profileTemplate("demo", false)), ".toml", env)
	require.NoError(t, err)
	assert.Equal(t, []string{"darwin", "freebsd", "linux", "win32"}, file.Profiles())

	linux, err := file.Profile("linux")
	require.NoError(t, err)
	assert.Equal(t, "demo", linux.Output)
	assert.Equal(t, []string{"m"}, linux.Links)
	assert.Equal(t, []string{"DEBUG"}, linux.Defines)
	assert.False(t, linux.Shared)

	env.Environ = map[string]string{}
	file, err = config.Parse(strings.NewReader(profileTemplate("demo", true)), ".toml", env)
	require.NoError(t, err)
	win, err := file.Profile("win32")
	require.NoError(t, err)
	assert.Equal(t, "libdemo.so", win.Output)
	assert.True(t, win.Shared)
	assert.Empty(t, win.Defines)
	assert.Equal(t, []string{"-std=c23"}, win.Ldflags)
}

func TestInitIn(t *testing.T) {
	dir := t.TempDir()
	initIn(dir, "demo", false)

	assert.FileExists(t, filepath.Join(dir, "build.toml"))
	assert.FileExists(t, filepath.Join(dir, "source", "main.c"))
	assert.DirExists(t, filepath.Join(dir, "include"))
	assert.FileExists(t, filepath.Join(dir, ".gitignore"))

	profile, err := config.Load(dir, "linux")
	require.NoError(t, err)
	units, err := builder.Discover(profile.Sources, profile.Extension)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "source", "main.c")}, units)

	// existing files are kept
	require.NoError(t, os.WriteFile(filepath.Join(dir, "source", "main.c"), []byte("int main;"), 0o644))
	initIn(dir, "demo", false)
	data, err := os.ReadFile(filepath.Join(dir, "source", "main.c"))
	require.NoError(t, err)
	assert.Equal(t, "int main;", string(data))
}

func TestFingerprintFiles_NoProject(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "inc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inc", "x.h"), []byte("int x;\n"), 0o644))
	unit := filepath.Join(dir, "a.c")
	require.NoError(t, os.WriteFile(unit, []byte("#include \"x.h\"\nint a;\n"), 0o644))

	viper.Set("dir", dir)
	flagFingerprintIncludes = []string{filepath.Join(dir, "inc")}
	t.Cleanup(func() {
		viper.Set("dir", ".")
		flagFingerprintIncludes = nil
		flagFingerprintClosure = false
	})

	var out bytes.Buffer
	require.NoError(t, fingerprintFiles(&cobra.Command{}, &out, []string{unit}))

	res, err := fingerprint.Of(unit, flagFingerprintIncludes)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.String(), res.Fingerprint.String()+"  "+unit+"\n"))
	assert.Contains(t, out.String(), "    "+filepath.Join(dir, "inc")+"\n")

	out.Reset()
	flagFingerprintClosure = true
	require.NoError(t, fingerprintFiles(&cobra.Command{}, &out, []string{unit}))
	assert.Equal(t, "int x;\nint a;\n", out.String())
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.5 KiB", humanBytes(1536))
	assert.Equal(t, "2.0 MiB", humanBytes(2<<20))
}
