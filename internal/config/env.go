package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ConfigEnv is the environment visible to profile expressions and scripts
type ConfigEnv struct {
	TargetOS   string            `expr:"target_os"`
	TargetArch string            `expr:"target_arch"`
	Environ    map[string]string `expr:"environ"`
	Profile    string            `expr:"profile"`
	basedir    string
}

func NewConfigEnv(basedir string) ConfigEnv {
	environ := make(map[string]string)
	for _, e := range os.Environ() {
		if i := strings.Index(e, "="); i >= 0 {
			environ[e[:i]] = e[i+1:]
		}
	}

	return ConfigEnv{
		TargetOS:   runtime.GOOS,
		TargetArch: runtime.GOARCH,
		Environ:    environ,
		basedir:    basedir,
	}
}

// RunScript evaluates the profile's script, which must return true
func (p *Profile) RunScript(env ConfigEnv) error {
	if p.Script == "" {
		return nil
	}

	program, err := expr.Compile(p.Script, expr.Env(env))
	if err != nil {
		return fmt.Errorf("failed to compile script for profile %q: %w", p.Name, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return fmt.Errorf("failed to run script for profile %q: %w", p.Name, err)
	}

	if ok, isBool := result.(bool); !isBool || !ok {
		return fmt.Errorf("script for profile %q returned %v\n%s", p.Name, result, p.Script)
	}
	return nil
}

// path resolves a script-supplied path, refusing anything outside basedir
func (env ConfigEnv) path(path string) (string, error) {
	fullPath := filepath.Join(env.basedir, path)
	rel, err := filepath.Rel(env.basedir, fullPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside of project directory %q", path, env.basedir)
	}
	return fullPath, nil
}

// Patch applies a diff-match-patch patch to a project file. It returns false
// when no hunk applied, which is how scripts stay idempotent.
func (env ConfigEnv) Patch(path, patchText string) (bool, error) {
	fullPath, err := env.path(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return false, err
	}

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		return false, err
	}
	patchedText, results := dmp.PatchApply(patches, string(data))

	applied := false
	for _, ok := range results {
		applied = applied || ok
	}
	if !applied {
		return false, nil
	}
	return true, os.WriteFile(fullPath, []byte(patchedText), 0o644)
}

func (env ConfigEnv) ReadFile(path string) (string, error) {
	fullPath, err := env.path(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Exists reports whether a project file exists
func (env ConfigEnv) Exists(path string) bool {
	fullPath, err := env.path(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(fullPath)
	return err == nil
}
