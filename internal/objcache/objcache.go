// Package objcache stores compiled objects named by the fingerprint of the
// translation unit they were compiled from.
//
// The presence of <dir>/<fingerprint>.o is the cache entry; there is no index.
// Each object is accompanied by a <fingerprint>.o.sum marker holding the digest
// of the object bytes, which lets a truncated or otherwise damaged object be
// detected and rebuilt instead of being linked.
package objcache

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/qobs-build/hashbuild/internal/fingerprint"
	"github.com/qobs-build/hashbuild/internal/msg"
)

const (
	ObjectExt = ".o"
	markerExt = ".sum"
	tmpInfix  = ".tmp-"
)

var (
	ErrCorrupt  = errors.New("corrupt cache entry")
	errNoOutput = errors.New("compiler produced no object file")
)

// Status describes how Build satisfied a request
type Status int

const (
	// Hit means a valid object already existed
	Hit Status = iota
	// Built means this call ran the compile function
	Built
	// Joined means another caller was already compiling the same fingerprint
	// and this call waited for its result
	Joined
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Built:
		return "built"
	case Joined:
		return "joined"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// CompileFunc writes an object file to tmpPath
type CompileFunc func(tmpPath string) error

type Cache struct {
	dir    string
	verify bool
	group  singleflight.Group
}

// New opens (creating if needed) the cache rooted at dir. With verify set,
// entries are checked against their integrity marker before being trusted.
func New(dir string, verify bool) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir, verify: verify}, nil
}

func (c *Cache) Dir() string { return c.dir }

// ObjectPath is where the object for fp lives, whether or not it exists yet
func (c *Cache) ObjectPath(fp fingerprint.Fingerprint) string {
	return filepath.Join(c.dir, string(fp)+ObjectExt)
}

func (c *Cache) markerPath(fp fingerprint.Fingerprint) string {
	return c.ObjectPath(fp) + markerExt
}

// Has reports whether a usable object exists for fp. A corrupt entry is
// removed and reported as absent so that it gets rebuilt.
func (c *Cache) Has(fp fingerprint.Fingerprint) bool {
	obj := c.ObjectPath(fp)
	info, err := os.Stat(obj)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if !c.verify {
		return true
	}

	err = c.Check(fp)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrCorrupt):
		msg.Warn("discarding cache entry %s: %v", fp.Short(), err)
		c.Remove(fp)
	default:
		msg.Log.Debug("cache entry unreadable", "fingerprint", fp.Short(), "err", err)
	}
	return false
}

// Check validates the entry for fp against its marker
func (c *Cache) Check(fp fingerprint.Fingerprint) error {
	want, err := os.ReadFile(c.markerPath(fp))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: missing integrity marker", ErrCorrupt)
		}
		return err
	}
	got, err := hashFile(c.ObjectPath(fp))
	if err != nil {
		return err
	}
	if string(bytes.TrimSpace(want)) != got {
		return fmt.Errorf("%w: object digest %s does not match marker", ErrCorrupt, got[:12])
	}
	return nil
}

// Build makes sure an object for fp exists, calling compile at most once per
// fingerprint at any moment. Concurrent callers for the same fingerprint wait
// for the one running compile and receive its error, if any.
func (c *Cache) Build(fp fingerprint.Fingerprint, compile CompileFunc) (Status, error) {
	if c.Has(fp) {
		return Hit, nil
	}

	leader := false
	v, err, _ := c.group.Do(string(fp), func() (any, error) {
		leader = true
		if c.Has(fp) {
			return Hit, nil
		}
		return Built, c.publish(fp, compile)
	})

	status, _ := v.(Status)
	if !leader && status == Built {
		status = Joined
	}
	return status, err
}

// publish runs compile into a temporary file and renames it into place. The
// marker goes first, so a killed process leaves at worst a marker without an
// object, which is not an entry.
func (c *Cache) publish(fp fingerprint.Fingerprint, compile CompileFunc) error {
	obj := c.ObjectPath(fp)
	tmp := obj + tmpInfix + uuid.NewString()
	defer os.Remove(tmp)

	if err := compile(tmp); err != nil {
		return err
	}

	sum, err := hashFile(tmp)
	if errors.Is(err, fs.ErrNotExist) {
		return errNoOutput
	} else if err != nil {
		return err
	}

	if err := writeFileAtomic(c.markerPath(fp), []byte(sum+"\n")); err != nil {
		return fmt.Errorf("failed to write integrity marker: %w", err)
	}
	if err := os.Rename(tmp, obj); err != nil {
		return fmt.Errorf("failed to publish object: %w", err)
	}
	return nil
}

// Adopt writes the integrity marker for an object that was produced outside
// Build, for instance by a ninja run. An entry that already verifies is left
// alone, and an existing marker is never replaced: a mismatch is ErrCorrupt.
func (c *Cache) Adopt(fp fingerprint.Fingerprint) error {
	err := c.Check(fp)
	if err == nil || !errors.Is(err, ErrCorrupt) {
		return err
	}
	if _, statErr := os.Stat(c.markerPath(fp)); statErr == nil {
		return err
	}

	sum, err := hashFile(c.ObjectPath(fp))
	if err != nil {
		return err
	}
	return writeFileAtomic(c.markerPath(fp), []byte(sum+"\n"))
}

// Remove deletes the entry for fp, object and marker
func (c *Cache) Remove(fp fingerprint.Fingerprint) error {
	if err := os.Remove(c.ObjectPath(fp)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(c.markerPath(fp)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Stats returns the number of entries and their total size in bytes
func (c *Cache) Stats() (int, int64, error) {
	fps, err := c.Entries()
	if err != nil {
		return 0, 0, err
	}

	var total int64
	for _, fp := range fps {
		if info, err := os.Stat(c.ObjectPath(fp)); err == nil {
			total += info.Size()
		}
	}
	return len(fps), total, nil
}

// Entries lists the fingerprints that have an object in the cache
func (c *Cache) Entries() ([]fingerprint.Fingerprint, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}

	var fps []fingerprint.Fingerprint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ObjectExt) || strings.Contains(name, tmpInfix) {
			continue
		}
		fps = append(fps, fingerprint.Fingerprint(strings.TrimSuffix(name, ObjectExt)))
	}
	return fps, nil
}

// Verify checks every entry and returns the fingerprints that fail, without
// removing anything
func (c *Cache) Verify() ([]fingerprint.Fingerprint, error) {
	fps, err := c.Entries()
	if err != nil {
		return nil, err
	}

	var bad []fingerprint.Fingerprint
	for _, fp := range fps {
		if err := c.Check(fp); err != nil {
			msg.Log.Debug("cache entry failed verification", "fingerprint", fp.Short(), "err", err)
			bad = append(bad, fp)
		}
	}
	return bad, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeFileAtomic writes to a temporary sibling and renames it over path
func writeFileAtomic(path string, data []byte) error {
	tmp := path + tmpInfix + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
