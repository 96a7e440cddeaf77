package file

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
)

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// DocumentStore keeps each document in "<dir>/<key>.json".
type DocumentStore struct {
	dir string
}

// NewDocumentStore creates dir if needed.
func NewDocumentStore(dir string) (*DocumentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, shared.WrapError("file", "NewDocumentStore", shared.ErrStorage, "create "+dir, err)
	}
	return &DocumentStore{dir: dir}, nil
}

// Dir returns the data directory.
func (s *DocumentStore) Dir() string {
	return s.dir
}

func (s *DocumentStore) path(op, key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", shared.Errorf("file", op, shared.ErrInvalidInput, "bad document key %q", key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

// Load returns the document stored under key.
func (s *DocumentStore) Load(_ context.Context, key string) ([]byte, error) {
	path, err := s.path("Load", key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, shared.Errorf("file", "Load", shared.ErrNotFound, "document %q", key)
		}
		return nil, shared.WrapError("file", "Load", shared.ErrStorage, "read "+path, err)
	}
	return data, nil
}

// Save atomically replaces the document under key.
func (s *DocumentStore) Save(_ context.Context, key string, data []byte) error {
	path, err := s.path("Save", key)
	if err != nil {
		return err
	}
	if err := atomicWrite(path, data, 0o644); err != nil {
		return shared.WrapError("file", "Save", shared.ErrStorage, "write "+path, err)
	}
	return nil
}
