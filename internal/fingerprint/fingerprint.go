// Package fingerprint computes content fingerprints of C translation units.
//
// A fingerprint is the blake2b digest of a unit's closure: its text with every
// resolvable `#include` spliced in and `#pragma once` honored. Nothing else of
// the preprocessor is modelled; the closure only has to change whenever the
// compiled content could.
package fingerprint

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/qobs-build/hashbuild/internal/msg"
)

// DefaultMaxDepth bounds include nesting. Cycles that never pass through a
// `#pragma once` header hit this instead of recursing forever.
const DefaultMaxDepth = 200

var ErrIncludeDepth = errors.New("include depth limit exceeded")

// Fingerprint is a lowercase hex blake2b-512 digest
type Fingerprint string

func (fp Fingerprint) String() string { return string(fp) }

// Short returns an abbreviated form for progress output
func (fp Fingerprint) Short() string {
	if len(fp) > 12 {
		return string(fp[:12])
	}
	return string(fp)
}

// Sum fingerprints arbitrary closure text
func Sum(data []byte) Fingerprint {
	sum := blake2b.Sum512(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Result is the outcome of fingerprinting one unit
type Result struct {
	Fingerprint Fingerprint
	// Touched lists, in first-use order, the unit's own directory and every
	// include directory that resolved at least one file. Debugging aid only.
	Touched []string
}

// Engine fingerprints units. The zero value is ready to use.
type Engine struct {
	MaxDepth int
}

// Of fingerprints unit with a default Engine
func Of(unit string, includeDirs []string) (Result, error) {
	return Engine{}.Fingerprint(unit, includeDirs)
}

// Fingerprint hashes the closure of unit. includeDirs is searched in order,
// after the unit's own directory.
func (e Engine) Fingerprint(unit string, includeDirs []string) (Result, error) {
	text, res, err := e.Closure(unit, includeDirs)
	if err != nil {
		return Result{}, err
	}
	res.Fingerprint = Sum(text)
	return res, nil
}

// Closure returns the expanded text that Fingerprint hashes. A missing root
// yields empty text.
func (e Engine) Closure(unit string, includeDirs []string) ([]byte, Result, error) {
	maxDepth := e.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	root := Normalize(unit)
	rootDir := filepath.Dir(root)

	dirs := make([]string, 0, len(includeDirs)+1)
	dirs = append(dirs, rootDir)
	for _, dir := range includeDirs {
		dirs = append(dirs, Normalize(dir))
	}

	c := &closure{
		dirs:     dirs,
		maxDepth: maxDepth,
		seen:     make(map[string]struct{}),
	}
	if isFile(root) {
		c.touch(rootDir)
	}
	if err := c.expand(root, []string{root}); err != nil {
		return nil, Result{}, err
	}
	return c.out.Bytes(), Result{Touched: c.touched}, nil
}

// closure holds the state of a single Closure call; nothing is shared between
// calls so fingerprinting is safe to run concurrently.
type closure struct {
	dirs     []string
	maxDepth int
	seen     map[string]struct{}
	touched  []string
	out      bytes.Buffer
}

func (c *closure) touch(dir string) {
	if !slices.Contains(c.touched, dir) {
		c.touched = append(c.touched, dir)
	}
}

func (c *closure) expand(path string, chain []string) error {
	if len(chain) > c.maxDepth {
		return fmt.Errorf("%w (%d): %s", ErrIncludeDepth, c.maxDepth, strings.Join(chain, " -> "))
	}
	if _, ok := c.seen[path]; ok {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	for len(data) > 0 {
		var line []byte
		line, data = nextLine(data)

		d := parseLine(line)
		switch d.kind {
		case include:
			resolved, dir, ok := c.resolve(d.path, filepath.Dir(path))
			if !ok {
				msg.Log.Debug("unresolved include", "file", path, "include", d.path)
				continue
			}
			c.touch(dir)
			if err := c.expand(resolved, append(chain, resolved)); err != nil {
				return err
			}
		case pragmaOnce:
			c.seen[path] = struct{}{}
		default:
			c.out.Write(line)
		}
	}
	return nil
}

// resolve returns the first dir/rel that exists as a file, looking next to
// the including file before the search path, as compilers do for quoted
// includes
func (c *closure) resolve(rel, from string) (path, dir string, ok bool) {
	if filepath.IsAbs(rel) {
		if isFile(rel) {
			return Normalize(rel), filepath.Dir(Normalize(rel)), true
		}
		return "", "", false
	}
	for _, dir := range append([]string{from}, c.dirs...) {
		candidate := filepath.Join(dir, rel)
		if isFile(candidate) {
			return Normalize(candidate), dir, true
		}
	}
	return "", "", false
}

// Normalize makes path absolute and clean, resolving symlinks where possible,
// so that two spellings of one file share a once-guard.
func Normalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
