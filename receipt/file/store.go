package file

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"

	"github.com/code-payments/flipchat-iap/receipt"
)

// DefaultName is the snapshot file name inside a cache directory.
const DefaultName = "appstore.validated_receipt"

// Store keeps the snapshot in a single file. Writes go through a temporary
// file and a rename so readers never observe a partial snapshot.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// NewStoreInDir stores the snapshot as DefaultName inside dir.
func NewStoreInDir(dir string) *Store {
	return NewStore(filepath.Join(dir, DefaultName))
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Save(_ context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return pkgerrors.Wrap(err, "failed to create snapshot directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create snapshot file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return pkgerrors.Wrap(err, "failed to write snapshot file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return pkgerrors.Wrap(err, "failed to sync snapshot file")
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.Wrap(err, "failed to close snapshot file")
	}
	return pkgerrors.Wrap(os.Rename(tmp.Name(), s.path), "failed to replace snapshot file")
}

func (s *Store) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, receipt.ErrNotFound
	} else if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read snapshot file")
	}
	return data, nil
}

func (s *Store) Remove(_ context.Context) error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return pkgerrors.Wrap(err, "failed to remove snapshot file")
	}
	return nil
}
