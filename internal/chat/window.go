package chat

import (
	"context"

	"github.com/atelier-ai/atelier/internal/engine"
)

// ImageLoader fetches stored image bytes by key. Satisfied by the object
// store.
type ImageLoader interface {
	Load(ctx context.Context, key string) ([]byte, error)
}

// WindowBuilder assembles the conversation context sent to the engine.
//
// Two bounds apply. MaxTurns caps the window at the most recent exchanges
// (one exchange is a user turn plus a model turn). ImageTurns is a smaller
// trailing sub-window: only turns inside it keep their image attachments;
// older turns degrade silently to text so the request payload stays small
// while the conversation thread remains intact.
type WindowBuilder struct {
	MaxTurns   int
	ImageTurns int
	Loader     ImageLoader
}

// Build converts session history into engine turns, applying both bounds.
// An attachment whose bytes can no longer be loaded degrades to text too;
// a stale image is never worth failing the whole request.
func (b *WindowBuilder) Build(ctx context.Context, history []Turn) []engine.Turn {
	maxMessages := b.MaxTurns * 2
	if maxMessages > 0 && len(history) > maxMessages {
		history = history[len(history)-maxMessages:]
	}

	imageCutoff := len(history) - b.ImageTurns*2
	if imageCutoff < 0 {
		imageCutoff = 0
	}

	out := make([]engine.Turn, 0, len(history))
	for i, t := range history {
		role := engine.RoleUser
		if t.Role == "model" {
			role = engine.RoleModel
		}
		et := engine.Turn{Role: role, Text: t.Content}
		if t.ImageKey != "" && i >= imageCutoff && b.Loader != nil {
			if data, err := b.Loader.Load(ctx, t.ImageKey); err == nil {
				et.ImagePNG = data
			}
		}
		out = append(out, et)
	}
	return out
}
