package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/atelier-ai/atelier/internal/engine"
	"github.com/atelier-ai/atelier/internal/history"
	"github.com/atelier-ai/atelier/internal/quota"
	"github.com/atelier-ai/atelier/internal/storage"
)

// ErrQuotaExceeded carries the denial reason from the ledger.
type ErrQuotaExceeded struct {
	Reason string
	Info   quota.Info
}

func (e *ErrQuotaExceeded) Error() string { return "chat: quota exceeded: " + e.Reason }

// ErrSafetyBlocked marks a refusal by the engine's safety filter.
var ErrSafetyBlocked = errors.New("chat: prompt blocked by the safety filter")

// Reply is the outcome of one conversational generation.
type Reply struct {
	Session Session        `json:"session"`
	Image   storage.Object `json:"image"`
	Text    string         `json:"text,omitempty"`
}

// Service runs the conversational generation flow: quota, context window,
// engine call, image persistence, history append. Chat generations are
// synchronous; only the task pipeline queues.
type Service struct {
	sessions *Manager
	ledger   *quota.Ledger
	engine   engine.Engine
	storage  storage.Store
	archive  history.Archive
	window   *WindowBuilder
	mode     string
}

func NewService(sessions *Manager, ledger *quota.Ledger, eng engine.Engine, objects storage.Store, archive history.Archive, window *WindowBuilder) *Service {
	if archive == nil {
		archive = history.Noop{}
	}
	return &Service{
		sessions: sessions,
		ledger:   ledger,
		engine:   eng,
		storage:  objects,
		archive:  archive,
		window:   window,
		mode:     "chat",
	}
}

// Send generates the next image in the session from prompt. The quota point
// is consumed up front and refunded when no image comes back, whether the
// engine failed outright or the safety filter refused; this mirrors the
// one-shot pipeline, where a refusal fails the item and refunds its point.
func (s *Service) Send(ctx context.Context, owner, sessionID, prompt, resolution string, bypass bool) (Reply, error) {
	session, err := s.sessions.Get(ctx, owner, sessionID)
	if err != nil {
		return Reply{}, err
	}

	allowed, reason, info, err := s.ledger.Check(ctx, owner, s.mode, resolution, 1, bypass)
	if err != nil {
		return Reply{}, err
	}
	if !allowed {
		return Reply{}, &ErrQuotaExceeded{Reason: reason, Info: info}
	}
	if err := s.ledger.Consume(ctx, owner, s.mode, resolution, 1, bypass); err != nil {
		return Reply{}, err
	}

	contents := s.window.Build(ctx, session.Turns)
	result, err := s.engine.Generate(ctx, engine.Request{
		Prompt:     prompt,
		Resolution: resolution,
		Contents:   contents,
	})
	if err != nil {
		if !bypass {
			_, _ = s.ledger.Refund(ctx, owner, 1)
		}
		return Reply{}, fmt.Errorf("chat: generate: %w", err)
	}
	if result.SafetyBlocked {
		if !bypass {
			_, _ = s.ledger.Refund(ctx, owner, 1)
		}
		return Reply{}, ErrSafetyBlocked
	}

	obj, err := s.storage.Save(ctx, result.ImagePNG, storage.Meta{
		Owner:     owner,
		Prompt:    prompt,
		CreatedAt: s.sessions.now().UTC(),
	})
	if err != nil {
		return Reply{}, fmt.Errorf("chat: save image: %w", err)
	}

	updated, err := s.sessions.AppendExchange(ctx, owner, sessionID,
		Turn{Role: "user", Content: prompt},
		Turn{Role: "model", Content: result.Text, ImageKey: obj.Key},
	)
	if err != nil {
		return Reply{}, err
	}

	// Archive writes are best effort.
	_ = s.archive.SaveImage(ctx, history.ImageRecord{
		Owner:     owner,
		Prompt:    prompt,
		Mode:      s.mode,
		ObjectKey: obj.Key,
		Filename:  obj.Filename,
		Size:      obj.Size,
	})

	return Reply{Session: updated, Image: obj, Text: result.Text}, nil
}
