// Package storage persists generated images and hands out keys that task
// records and chat turns can reference.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: object not found")

// Object identifies a stored image.
type Object struct {
	Key      string `json:"key"`
	Filename string `json:"filename"`
	URL      string `json:"url,omitempty"`
	Size     int    `json:"size"`
}

// Meta travels with a saved image for later attribution.
type Meta struct {
	Owner     string
	Prompt    string
	TaskID    string
	CreatedAt time.Time
}

type Store interface {
	// Save persists the PNG bytes and returns the resulting Object.
	Save(ctx context.Context, data []byte, meta Meta) (Object, error)
	// Load retrieves the bytes for a previously returned key.
	Load(ctx context.Context, key string) ([]byte, error)
	Close() error
}
