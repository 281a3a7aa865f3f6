// Package artifact stores file-backed cache payloads under a per-flavor
// directory, named by fingerprint. Rows in the persistent store keep only the
// artifact name; a row whose artifact is gone is an orphan and is removed by
// the next maintenance pass.
package artifact

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a named artifact does not exist.
// Maps to os.ErrNotExist so errors.Is works either way.
var ErrNotFound = os.ErrNotExist

// Store is the artifact-storage strategy for file-backed payloads.
type Store interface {
	// Write persists r under name, replacing any previous artifact with that
	// name. Returns the logical (pre-transform) payload size in bytes.
	Write(name string, r io.Reader) (int64, error)

	// Open returns a reader over the logical payload bytes.
	Open(name string) (io.ReadCloser, error)

	// Remove deletes the artifact. Removing a missing artifact is not an
	// error; eviction and maintenance may race over the same victim.
	Remove(name string) error

	// Exists reports whether the artifact is present.
	Exists(name string) (bool, error)
}

// Dir is a Store rooted at a local directory. Writes go to a temp file and
// rename into place, so a cancelled or crashed write never leaves a partial
// artifact under its final name.
type Dir struct {
	root string
}

var _ Store = (*Dir)(nil)

// NewDir creates root if needed and returns a Dir store.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Dir{root: root}, nil
}

// Root returns the backing directory.
func (d *Dir) Root() string { return d.root }

func (d *Dir) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", errors.New("artifact: invalid name")
	}
	return filepath.Join(d.root, name), nil
}

func (d *Dir) Write(name string, r io.Reader) (int64, error) {
	path, err := d.path(name)
	if err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(d.root, ".tmp-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func (d *Dir) Open(name string) (io.ReadCloser, error) {
	path, err := d.path(name)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (d *Dir) Remove(name string) error {
	path, err := d.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (d *Dir) Exists(name string) (bool, error) {
	path, err := d.path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
