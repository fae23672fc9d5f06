package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FSStore writes images as files under a base directory, one file per key.
type FSStore struct {
	dir     string
	baseURL string
}

func NewFSStore(dir, baseURL string) (*FSStore, error) {
	if dir == "" {
		return nil, errors.New("storage: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}
	return &FSStore{dir: dir, baseURL: baseURL}, nil
}

func (s *FSStore) Save(ctx context.Context, data []byte, meta Meta) (Object, error) {
	key := uuid.NewString()
	path := s.path(key)
	// Write through a temp file so a crash never leaves a truncated image
	// behind a valid key.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Object{}, fmt.Errorf("storage: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Object{}, fmt.Errorf("storage: rename: %w", err)
	}
	return Object{
		Key:      key,
		Filename: filenameFor(key, meta),
		URL:      objectURL(s.baseURL, key),
		Size:     len(data),
	}, nil
}

func (s *FSStore) Load(ctx context.Context, key string) ([]byte, error) {
	if _, err := uuid.Parse(key); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("storage: read: %w", err)
	}
	return data, nil
}

func (s *FSStore) Close() error { return nil }

func (s *FSStore) path(key string) string {
	return filepath.Join(s.dir, key+".png")
}
