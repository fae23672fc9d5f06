// Package chat manages multi-turn image editing conversations: per-owner
// sessions, their persisted history, and the bounded context window handed
// to the engine.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-ai/atelier/internal/kv"
)

var ErrSessionNotFound = errors.New("chat: session not found")

// Turn is one message of a conversation. Model turns carry the key of the
// generated image; the bytes themselves live in object storage.
type Turn struct {
	Role     string    `json:"role"` // user | model
	Content  string    `json:"content"`
	ImageKey string    `json:"image_key,omitempty"`
	At       time.Time `json:"at"`
}

// Session is a conversation record. Serialized whole as JSON under
// chat:{owner}:{id}; an owner's session IDs are indexed in chats:{owner}.
type Session struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager persists sessions with a sliding TTL: every append refreshes the
// expiry, so only abandoned conversations age out.
type Manager struct {
	kv  kv.Store
	ttl time.Duration
	now func() time.Time
}

func NewManager(store kv.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{kv: store, ttl: ttl, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func sessionKey(owner, id string) string { return "chat:" + owner + ":" + id }
func indexKey(owner string) string       { return "chats:" + owner }

func (m *Manager) Create(ctx context.Context, owner, title string) (Session, error) {
	now := m.now().UTC()
	s := Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		Title:     title,
		Turns:     []Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.save(ctx, s); err != nil {
		return Session{}, err
	}
	if err := m.kv.SAdd(ctx, indexKey(owner), s.ID); err != nil {
		return Session{}, err
	}
	if err := m.kv.Expire(ctx, indexKey(owner), m.ttl); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (m *Manager) Get(ctx context.Context, owner, id string) (Session, error) {
	raw, ok, err := m.kv.Get(ctx, sessionKey(owner, id))
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Session{}, fmt.Errorf("chat: decode session %s: %w", id, err)
	}
	return s, nil
}

// List returns the owner's live sessions, pruning index entries whose
// records expired.
func (m *Manager) List(ctx context.Context, owner string) ([]Session, error) {
	ids, err := m.kv.SMembers(ctx, indexKey(owner))
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		s, err := m.Get(ctx, owner, id)
		if errors.Is(err, ErrSessionNotFound) {
			_ = m.kv.SRem(ctx, indexKey(owner), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *Manager) Delete(ctx context.Context, owner, id string) error {
	if _, err := m.Get(ctx, owner, id); err != nil {
		return err
	}
	if err := m.kv.Del(ctx, sessionKey(owner, id)); err != nil {
		return err
	}
	return m.kv.SRem(ctx, indexKey(owner), id)
}

// AppendExchange records one user prompt and the model's reply, refreshing
// the session TTL.
func (m *Manager) AppendExchange(ctx context.Context, owner, id string, user, model Turn) (Session, error) {
	s, err := m.Get(ctx, owner, id)
	if err != nil {
		return Session{}, err
	}
	now := m.now().UTC()
	if user.At.IsZero() {
		user.At = now
	}
	if model.At.IsZero() {
		model.At = now
	}
	s.Turns = append(s.Turns, user, model)
	s.UpdatedAt = now
	if err := m.save(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (m *Manager) save(ctx context.Context, s Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("chat: encode session %s: %w", s.ID, err)
	}
	return m.kv.Set(ctx, sessionKey(s.Owner, s.ID), string(raw), m.ttl)
}
