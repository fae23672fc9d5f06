package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-ai/atelier/internal/kv"
)

var (
	ErrNotFound     = errors.New("tasks: not found")
	ErrUnauthorized = errors.New("tasks: not the task owner")
	ErrConflict     = errors.New("tasks: already in a terminal state")
)

// Store persists task records. Every mutation goes through a field-level
// HSET so concurrent writers (worker advancing progress, handler flipping
// the cancelled flag) never clobber each other's fields.
type Store struct {
	kv         kv.Store
	ttl        time.Duration
	retries    int
	retryBase  time.Duration
	now        func() time.Time
	generateID func() string
}

func NewStore(store kv.Store, ttl time.Duration, retries int, retryBase time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		kv:         store,
		ttl:        ttl,
		retries:    retries,
		retryBase:  retryBase,
		now:        time.Now,
		generateID: func() string { return uuid.NewString() },
	}
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func taskKey(id string) string    { return "task:" + id }
func ownerKey(owner string) string { return "tasks:" + owner }

// Create writes a new queued record and indexes it under the owner.
func (s *Store) Create(ctx context.Context, kind Kind, owner, prompt, mode, resolution string, total int) (Task, error) {
	now := s.now().UTC()
	t := Task{
		ID:         s.generateID(),
		Kind:       kind,
		Owner:      owner,
		Status:     StatusQueued,
		Total:      total,
		Prompt:     prompt,
		Mode:       mode,
		Resolution: resolution,
		Results:    []ItemResult{},
		Errors:     []ItemError{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	fields, err := t.encode()
	if err != nil {
		return Task{}, err
	}
	err = kv.Retry(ctx, s.retries, s.retryBase, func() error {
		if err := s.kv.HSet(ctx, taskKey(t.ID), fields); err != nil {
			return err
		}
		if err := s.kv.Expire(ctx, taskKey(t.ID), s.ttl); err != nil {
			return err
		}
		if err := s.kv.SAdd(ctx, ownerKey(owner), t.ID); err != nil {
			return err
		}
		return s.kv.Expire(ctx, ownerKey(owner), s.ttl)
	})
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// Get loads a record. A missing or expired record is ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Task, error) {
	var fields map[string]string
	err := kv.Retry(ctx, s.retries, s.retryBase, func() error {
		var err error
		fields, err = s.kv.HGetAll(ctx, taskKey(id))
		return err
	})
	if err != nil {
		return Task{}, err
	}
	if len(fields) == 0 {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeTask(fields)
}

// update applies a partial field write plus updated_at.
func (s *Store) update(ctx context.Context, id string, fields map[string]string) error {
	fields["updated_at"] = s.now().UTC().Format(time.RFC3339Nano)
	return kv.Retry(ctx, s.retries, s.retryBase, func() error {
		return s.kv.HSet(ctx, taskKey(id), fields)
	})
}

// MarkProcessing moves a queued task to processing. A task whose cancelled
// flag was raised while queued is reported so the caller can finalize it
// without doing any work.
func (s *Store) MarkProcessing(ctx context.Context, id string) (cancelled bool, err error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Cancelled {
		return true, nil
	}
	if t.Status != StatusQueued {
		return false, fmt.Errorf("%w: %s is %s", ErrConflict, id, t.Status)
	}
	return false, s.update(ctx, id, map[string]string{"status": string(StatusProcessing)})
}

// Advance records one finished item: progress moves forward and the results
// or errors collection grows. Collections rewrite whole, progress is a plain
// counter field.
func (s *Store) Advance(ctx context.Context, id string, result *ItemResult, itemErr *ItemError) (Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	t.Progress++
	fields := map[string]string{"progress": fmt.Sprint(t.Progress)}
	if result != nil {
		t.Results = append(t.Results, *result)
		raw, err := json.Marshal(t.Results)
		if err != nil {
			return Task{}, fmt.Errorf("tasks: encode results: %w", err)
		}
		fields["results"] = string(raw)
	}
	if itemErr != nil {
		t.Errors = append(t.Errors, *itemErr)
		raw, err := json.Marshal(t.Errors)
		if err != nil {
			return Task{}, fmt.Errorf("tasks: encode errors: %w", err)
		}
		fields["errors"] = string(raw)
	}
	if err := s.update(ctx, id, fields); err != nil {
		return Task{}, err
	}
	t.UpdatedAt = s.now().UTC()
	return t, nil
}

// SetCancelled raises the cooperative cancellation flag. The worker observes
// it at its next checkpoint; the status only becomes cancelled once the
// worker (or the cancel path, for queued tasks) finalizes.
func (s *Store) SetCancelled(ctx context.Context, id string) error {
	return s.update(ctx, id, map[string]string{"cancelled": "1"})
}

// Finalize moves the task into a terminal status. A record that is already
// terminal is frozen: the cancel path may have finalized a queued task
// before the worker dequeued its job, and the late writer must not rewrite
// the terminal status or its timestamp.
func (s *Store) Finalize(ctx context.Context, id string, status Status, taskErr string) error {
	if !status.Terminal() {
		return fmt.Errorf("tasks: finalize with non-terminal status %s", status)
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrConflict, id, t.Status)
	}
	fields := map[string]string{"status": string(status)}
	if taskErr != "" {
		fields["error"] = taskErr
	}
	return s.update(ctx, id, fields)
}

// RecordRefund notes how many quota points were returned at cancellation.
func (s *Store) RecordRefund(ctx context.Context, id string, amount int) error {
	return s.update(ctx, id, map[string]string{"refunded": fmt.Sprint(amount)})
}

// ListOwner returns the owner's live task IDs, dropping index entries whose
// records have already expired.
func (s *Store) ListOwner(ctx context.Context, owner string) ([]Task, error) {
	var ids []string
	err := kv.Retry(ctx, s.retries, s.retryBase, func() error {
		var err error
		ids, err = s.kv.SMembers(ctx, ownerKey(owner))
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			_ = s.kv.SRem(ctx, ownerKey(owner), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
