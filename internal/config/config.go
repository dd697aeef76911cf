// Package config loads build profiles.
//
// A project keeps its profiles in one of build.toml, build.yaml, build.yml or
// build.json. Every top-level table is a profile keyed by name:
//
//	[linux]
//	includes = ["source", "include"]
//	links = ["m"]
//
//	[linux.'target_arch == "arm64"']
//	defines = ["ARM64"]
//
// String values may embed {{ expr }} templates and sub-tables whose key is an
// expr condition are merged into the profile when the condition holds.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	FingerprintClosure  = "closure"
	FingerprintCompiler = "compiler"
)

var (
	ErrProfileNotFound = errors.New("no such build profile")
	ErrNoConfigFile    = errors.New("no build profile file found")
)

// ConfigFiles are tried in order
var ConfigFiles = []string{"build.toml", "build.yaml", "build.yml", "build.json"}

var (
	defaultSources = []string{"source"}
	defaultCflags  = []string{"-Wall", "-Wextra", "-Wno-missing-braces", "-Wno-unused-parameter"}
	defaultLdflags = []string{"-std=c23", "-rdynamic"}
)

// Profile is a fully resolved build profile
type Profile struct {
	Name string `toml:"-"`

	// Includes is searched in order, both by the compiler and for fingerprints
	Includes []string `toml:"includes"`
	Defines  []string `toml:"defines"`
	// Sources are the directories walked for translation units
	Sources   []string `toml:"sources"`
	Extension string   `toml:"extension"`

	// Compiler is also used as the linker. Empty means discover one.
	Compiler string   `toml:"compiler"`
	Cflags   []string `toml:"cflags"`
	Ldflags  []string `toml:"ldflags"`
	Links    []string `toml:"links"`
	Output   string   `toml:"output"`
	Shared   bool     `toml:"shared"`

	// Prebuild shell commands run from the project directory before anything else
	Prebuild []string `toml:"prebuild"`
	// Script is an expr program run before the prebuild commands; it must
	// evaluate to true
	Script string `toml:"script"`

	// Fingerprint is "closure" (built-in include expansion) or "compiler"
	// (hash of the compiler's -E output)
	Fingerprint string `toml:"fingerprint"`

	// Dependencies maps a name to a fetchable source, see builder.FetchDependency
	Dependencies map[string]string `toml:"dependencies"`
}

func (p *Profile) applyDefaults() {
	if p.Sources == nil {
		p.Sources = slices.Clone(defaultSources)
	}
	if p.Extension == "" {
		p.Extension = ".c"
	} else if !strings.HasPrefix(p.Extension, ".") {
		p.Extension = "." + p.Extension
	}
	if p.Output == "" {
		p.Output = "app"
	}
	if p.Cflags == nil {
		p.Cflags = slices.Clone(defaultCflags)
	}
	if p.Ldflags == nil {
		p.Ldflags = slices.Clone(defaultLdflags)
	}
	if p.Fingerprint == "" {
		p.Fingerprint = FingerprintClosure
	}
}

// Validate checks values that can't be defaulted
func (p *Profile) Validate() error {
	switch p.Fingerprint {
	case FingerprintClosure, FingerprintCompiler:
	default:
		return fmt.Errorf("profile %q: fingerprint must be %q or %q, got %q", p.Name, FingerprintClosure, FingerprintCompiler, p.Fingerprint)
	}
	if strings.ContainsAny(p.Output, `/\`) {
		return fmt.Errorf("profile %q: output %q must be a file name", p.Name, p.Output)
	}
	return nil
}

// Resolve makes include and source directories absolute relative to basedir
func (p *Profile) Resolve(basedir string) {
	abs := func(paths []string) []string {
		out := make([]string, len(paths))
		for i, path := range paths {
			if filepath.IsAbs(path) {
				out[i] = filepath.Clean(path)
			} else {
				out[i] = filepath.Join(basedir, path)
			}
		}
		return out
	}
	p.Includes = abs(p.Includes)
	p.Sources = abs(p.Sources)
}

// FindFile returns the first profile file present in dir
func FindFile(dir string) (string, error) {
	for _, name := range ConfigFiles {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s (looked for %s)", ErrNoConfigFile, dir, strings.Join(ConfigFiles, ", "))
}

// Load finds the profile file in dir and returns the named profile with
// directories resolved against dir
func Load(dir, name string) (*Profile, error) {
	path, err := FindFile(dir)
	if err != nil {
		return nil, err
	}
	env := NewConfigEnv(dir)
	env.Profile = name

	file, err := ParseFile(path, env)
	if err != nil {
		return nil, err
	}
	profile, err := file.Profile(name)
	if err != nil {
		return nil, err
	}
	profile.Resolve(dir)
	return profile, nil
}

// DefaultProfileName is the Go OS name, except windows which is "win32"
func DefaultProfileName(goos string) string {
	if goos == "windows" {
		return "win32"
	}
	return goos
}
