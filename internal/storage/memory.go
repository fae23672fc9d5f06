package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps images in process memory. Suitable for tests and for
// running without a data directory; contents vanish on restart.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	baseURL string
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), baseURL: baseURL}
}

func (s *MemoryStore) Save(ctx context.Context, data []byte, meta Meta) (Object, error) {
	key := uuid.NewString()
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.objects[key] = buf
	s.mu.Unlock()

	return Object{
		Key:      key,
		Filename: filenameFor(key, meta),
		URL:      objectURL(s.baseURL, key),
		Size:     len(data),
	}, nil
}

func (s *MemoryStore) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func filenameFor(key string, meta Meta) string {
	short := key
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("atelier_%s_%s.png", meta.CreatedAt.UTC().Format("20060102_150405"), short)
}

func objectURL(base, key string) string {
	if base == "" {
		return ""
	}
	return base + "/v1/images/" + key
}
