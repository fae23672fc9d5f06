// Package tasks tracks the lifecycle of generation work: creation, progress,
// terminal state, and cancellation. Records live in the key-value store under
// task:{id} with a bounded TTL so abandoned entries age out on their own.
package tasks

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Kind string

const (
	KindSingle Kind = "single"
	KindBatch  Kind = "batch"
)

// ItemResult records one successfully generated batch item.
type ItemResult struct {
	Index    int    `json:"index"`
	Key      string `json:"key"`
	Filename string `json:"filename"`
	URL      string `json:"url,omitempty"`
}

// ItemError records one failed batch item. The batch itself continues.
type ItemError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// Task is the full lifecycle record.
type Task struct {
	ID         string
	Kind       Kind
	Owner      string
	Status     Status
	Progress   int
	Total      int
	Cancelled  bool
	Prompt     string
	Mode       string
	Resolution string
	Results    []ItemResult
	Errors     []ItemError
	Error      string
	Refunded   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// encode flattens the task into the hash representation. Collection fields
// serialize as JSON strings; everything else is a plain string so partial
// HSET updates stay cheap.
func (t *Task) encode() (map[string]string, error) {
	results, err := json.Marshal(t.Results)
	if err != nil {
		return nil, fmt.Errorf("tasks: encode results: %w", err)
	}
	itemErrs, err := json.Marshal(t.Errors)
	if err != nil {
		return nil, fmt.Errorf("tasks: encode errors: %w", err)
	}
	return map[string]string{
		"id":         t.ID,
		"kind":       string(t.Kind),
		"owner":      t.Owner,
		"status":     string(t.Status),
		"progress":   strconv.Itoa(t.Progress),
		"total":      strconv.Itoa(t.Total),
		"cancelled":  boolField(t.Cancelled),
		"prompt":     t.Prompt,
		"mode":       t.Mode,
		"resolution": t.Resolution,
		"results":    string(results),
		"errors":     string(itemErrs),
		"error":      t.Error,
		"refunded":   strconv.Itoa(t.Refunded),
		"created_at": t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decodeTask(fields map[string]string) (Task, error) {
	t := Task{
		ID:         fields["id"],
		Kind:       Kind(fields["kind"]),
		Owner:      fields["owner"],
		Status:     Status(fields["status"]),
		Cancelled:  fields["cancelled"] == "1",
		Prompt:     fields["prompt"],
		Mode:       fields["mode"],
		Resolution: fields["resolution"],
		Error:      fields["error"],
	}
	var err error
	if t.Progress, err = intField(fields, "progress"); err != nil {
		return Task{}, err
	}
	if t.Total, err = intField(fields, "total"); err != nil {
		return Task{}, err
	}
	if t.Refunded, err = intField(fields, "refunded"); err != nil {
		return Task{}, err
	}
	if raw := fields["results"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Results); err != nil {
			return Task{}, fmt.Errorf("tasks: decode results: %w", err)
		}
	}
	if raw := fields["errors"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Errors); err != nil {
			return Task{}, fmt.Errorf("tasks: decode errors: %w", err)
		}
	}
	if raw := fields["created_at"]; raw != "" {
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return Task{}, fmt.Errorf("tasks: decode created_at: %w", err)
		}
	}
	if raw := fields["updated_at"]; raw != "" {
		if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return Task{}, fmt.Errorf("tasks: decode updated_at: %w", err)
		}
	}
	return t, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func intField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("tasks: field %q corrupt: %w", name, err)
	}
	return n, nil
}
