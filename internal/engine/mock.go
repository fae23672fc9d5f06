package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Mock is a deterministic Engine for tests and for running the service
// without credentials. GenerateFunc, when set, overrides the default
// behavior per call.
type Mock struct {
	GenerateFunc func(ctx context.Context, req Request) (Result, error)

	calls atomic.Int64
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Name() string { return "mock" }

// Calls reports how many Generate invocations the mock has served.
func (m *Mock) Calls() int64 { return m.calls.Load() }

func (m *Mock) Generate(ctx context.Context, req Request) (Result, error) {
	n := m.calls.Add(1)
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{
		ImagePNG: placeholderPNG,
		Text:     fmt.Sprintf("mock image #%d for %q", n, req.Prompt),
		Duration: time.Millisecond,
	}, nil
}

// placeholderPNG is a valid 1x1 transparent PNG.
var placeholderPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}
