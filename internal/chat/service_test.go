package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atelier-ai/atelier/internal/engine"
	"github.com/atelier-ai/atelier/internal/kv"
	"github.com/atelier-ai/atelier/internal/quota"
	"github.com/atelier-ai/atelier/internal/storage"
)

func testService(t *testing.T, eng engine.Engine) (*Service, *Manager, *quota.Ledger) {
	t.Helper()
	mem := kv.NewMemoryStore()
	sessions := NewManager(mem, 24*time.Hour)
	objects := storage.NewMemoryStore("")
	ledger := quota.NewLedger(mem, quota.Limits{DailyLimit: 3, MaxBatchSize: 5})
	window := &WindowBuilder{MaxTurns: 20, ImageTurns: 5, Loader: objects}
	return NewService(sessions, ledger, eng, objects, nil, window), sessions, ledger
}

func TestSendAppendsExchangeAndStoresImage(t *testing.T) {
	svc, sessions, _ := testService(t, engine.NewMock())
	ctx := context.Background()

	session, err := sessions.Create(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	reply, err := svc.Send(ctx, "alice", session.ID, "a fox", "1024", false)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Image.Key == "" {
		t.Error("reply has no stored image")
	}
	if len(reply.Session.Turns) != 2 {
		t.Fatalf("Turns = %d, want 2", len(reply.Session.Turns))
	}
	if reply.Session.Turns[1].ImageKey != reply.Image.Key {
		t.Errorf("model turn ImageKey = %q, want %q", reply.Session.Turns[1].ImageKey, reply.Image.Key)
	}
}

func TestSendDeniedWhenQuotaExhausted(t *testing.T) {
	svc, sessions, ledger := testService(t, engine.NewMock())
	ctx := context.Background()

	session, err := sessions.Create(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := ledger.Consume(ctx, "alice", "chat", "1024", 3, false); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	_, err = svc.Send(ctx, "alice", session.ID, "a fox", "1024", false)
	var qe *ErrQuotaExceeded
	if !errors.As(err, &qe) {
		t.Fatalf("Send: err = %v, want ErrQuotaExceeded", err)
	}
	if qe.Info.Used != 3 {
		t.Errorf("Info.Used = %d, want 3", qe.Info.Used)
	}
}

func TestSendRefundsOnEngineFailure(t *testing.T) {
	mock := engine.NewMock()
	mock.GenerateFunc = func(ctx context.Context, req engine.Request) (engine.Result, error) {
		return engine.Result{}, errors.New("connection refused")
	}
	svc, sessions, ledger := testService(t, mock)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Send(ctx, "alice", session.ID, "a fox", "1024", false); err == nil {
		t.Fatal("Send succeeded with a failing engine")
	}

	info, err := ledger.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Used != 0 {
		t.Errorf("Used = %d after refund, want 0", info.Used)
	}
}

func TestSendRefundsOnSafetyBlock(t *testing.T) {
	mock := engine.NewMock()
	mock.GenerateFunc = func(ctx context.Context, req engine.Request) (engine.Result, error) {
		return engine.Result{SafetyBlocked: true}, nil
	}
	svc, sessions, ledger := testService(t, mock)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Send(ctx, "alice", session.ID, "a fox", "1024", false); !errors.Is(err, ErrSafetyBlocked) {
		t.Fatalf("Send: err = %v, want ErrSafetyBlocked", err)
	}

	info, err := ledger.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Used != 0 {
		t.Errorf("Used = %d after a refused generation, want 0", info.Used)
	}
}

func TestSendUnknownSession(t *testing.T) {
	svc, _, _ := testService(t, engine.NewMock())
	if _, err := svc.Send(context.Background(), "alice", "ghost", "p", "1024", false); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Send: err = %v, want ErrSessionNotFound", err)
	}
}

func TestSendPassesWindowToEngine(t *testing.T) {
	var seen []engine.Turn
	mock := engine.NewMock()
	mock.GenerateFunc = func(ctx context.Context, req engine.Request) (engine.Result, error) {
		seen = req.Contents
		return engine.Result{ImagePNG: []byte{1}}, nil
	}
	svc, sessions, _ := testService(t, mock)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Send(ctx, "alice", session.ID, "first", "1024", false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(seen) != 0 {
		t.Errorf("first Send saw %d context messages, want 0", len(seen))
	}
	if _, err := svc.Send(ctx, "alice", session.ID, "second", "1024", false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("second Send saw %d context messages, want 2", len(seen))
	}
	if len(seen[1].ImagePNG) == 0 {
		t.Error("prior model turn lost its image inside the sub-window")
	}
}
