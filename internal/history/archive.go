// Package history archives generation records in PostgreSQL for later
// inspection. All writes are best effort: the hot path never fails because
// the archive is down.
package history

import (
	"context"
	"time"
)

// ImageRecord describes one archived generation result.
type ImageRecord struct {
	ID        string
	TaskID    string
	Owner     string
	Prompt    string
	Mode      string
	ObjectKey string
	Filename  string
	Size      int
	CreatedAt time.Time
}

// UsageRecord describes one quota-affecting event.
type UsageRecord struct {
	ID        string
	Owner     string
	Kind      string // consume | refund
	Points    int
	TaskID    string
	CreatedAt time.Time
}

type Archive interface {
	SaveImage(ctx context.Context, rec ImageRecord) error
	RecordUsage(ctx context.Context, rec UsageRecord) error
	RecentImages(ctx context.Context, owner string, limit int) ([]ImageRecord, error)
	Close() error
}

// Noop discards everything. Used when no database is configured.
type Noop struct{}

func (Noop) SaveImage(context.Context, ImageRecord) error   { return nil }
func (Noop) RecordUsage(context.Context, UsageRecord) error { return nil }
func (Noop) RecentImages(context.Context, string, int) ([]ImageRecord, error) {
	return nil, nil
}
func (Noop) Close() error { return nil }
