package objectstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// FS stores objects as files under a root directory.
type FS struct {
	root string
}

var _ Store = (*FS)(nil)

// NewFS creates root if needed.
func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, eris.New("objectstore: fs root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "objectstore: create root %s", root)
	}
	return &FS{root: root}, nil
}

// Root returns the directory objects are written under.
func (f *FS) Root() string { return f.root }

func (f *FS) path(key string) (string, error) {
	k, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(k)), nil
}

// Put writes content atomically via a temp file and rename.
func (f *FS) Put(ctx context.Context, key string, content []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return eris.Wrapf(err, "objectstore: mkdir for %s", key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return eris.Wrapf(err, "objectstore: temp file for %s", key)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(content); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "objectstore: write %s", key)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "objectstore: close %s", key)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return eris.Wrapf(err, "objectstore: chmod %s", key)
	}
	return eris.Wrapf(os.Rename(tmp.Name(), p), "objectstore: rename %s", key)
}

// Get reads the object at key.
func (f *FS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "objectstore: %s", key)
	}
	return data, eris.Wrapf(err, "objectstore: read %s", key)
}
