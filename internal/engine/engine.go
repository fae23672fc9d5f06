// Package engine abstracts the image generation backend. The service talks
// to an Engine; the Gemini implementation and the test mock both satisfy it.
package engine

import (
	"context"
	"time"
)

// Role labels a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one entry of the conversation context handed to the backend.
// Either or both of Text and ImagePNG may be set.
type Turn struct {
	Role     Role
	Text     string
	ImagePNG []byte
}

// Request describes a single generation.
type Request struct {
	Prompt         string
	NegativePrompt string
	AspectRatio    string
	Resolution     string
	SafetyLevel    string
	// Contents carries prior conversation turns for context-aware
	// generation. Nil for one-shot requests.
	Contents []Turn
}

// Result is the backend's answer. SafetyBlocked is set when the backend
// refused the prompt rather than failing.
type Result struct {
	ImagePNG      []byte
	Text          string
	SafetyBlocked bool
	Duration      time.Duration
}

type Engine interface {
	Generate(ctx context.Context, req Request) (Result, error)
	Name() string
}
