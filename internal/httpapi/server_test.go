package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atelier-ai/atelier/internal/batch"
	"github.com/atelier-ai/atelier/internal/chat"
	"github.com/atelier-ai/atelier/internal/config"
	"github.com/atelier-ai/atelier/internal/engine"
	"github.com/atelier-ai/atelier/internal/kv"
	"github.com/atelier-ai/atelier/internal/quota"
	"github.com/atelier-ai/atelier/internal/storage"
	"github.com/atelier-ai/atelier/internal/tasks"
)

// inlineSubmitter runs jobs synchronously so tests observe terminal states
// without polling.
type inlineSubmitter struct {
	orchestrator *batch.Orchestrator
	full         bool
}

func (s *inlineSubmitter) SubmitBatch(job batch.Job) error {
	if s.full {
		return batch.ErrQueueFull
	}
	s.orchestrator.Run(context.Background(), job)
	return nil
}

func (s *inlineSubmitter) SubmitSingle(job batch.Job) error {
	if s.full {
		return batch.ErrQueueFull
	}
	s.orchestrator.RunSingle(context.Background(), job)
	return nil
}

type harness struct {
	server    *Server
	taskStore *tasks.Store
	ledger    *quota.Ledger
	sessions  *chat.Manager
	submitter *inlineSubmitter
}

func newHarness(t *testing.T, eng engine.Engine) *harness {
	t.Helper()
	mem := kv.NewMemoryStore()
	cfg := config.Config{
		DailyLimit:       10,
		GlobalDailyLimit: 100,
		MaxBatchSize:     5,
		AdminToken:       "sekrit",
		MaxTurns:         20,
		ImageTurns:       5,
	}
	ledger := quota.NewLedger(mem, quota.Limits{
		DailyLimit:       cfg.DailyLimit,
		GlobalDailyLimit: cfg.GlobalDailyLimit,
		MaxBatchSize:     cfg.MaxBatchSize,
	})
	taskStore := tasks.NewStore(mem, 24*time.Hour, 0, 0)
	hub := tasks.NewHub()
	objects := storage.NewMemoryStore("")
	orchestrator := batch.NewOrchestrator(taskStore, hub, eng, objects, nil, ledger, nil)
	submitter := &inlineSubmitter{orchestrator: orchestrator}
	sessions := chat.NewManager(mem, 24*time.Hour)
	window := &chat.WindowBuilder{MaxTurns: cfg.MaxTurns, ImageTurns: cfg.ImageTurns, Loader: objects}
	chatService := chat.NewService(sessions, ledger, eng, objects, nil, window)
	canceller := tasks.NewCanceller(taskStore, hub, ledger)
	server := New(cfg, ledger, taskStore, canceller, hub, submitter, chatService, sessions, objects, nil, mem, eng.Name(), nil)
	return &harness{server: server, taskStore: taskStore, ledger: ledger, sessions: sessions, submitter: submitter}
}

func doJSON(t *testing.T, h http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestGenerateBatchLifecycle(t *testing.T) {
	mock := engine.NewMock()
	mock.GenerateFunc = func(ctx context.Context, req engine.Request) (engine.Result, error) {
		if req.Prompt == "bad" {
			return engine.Result{}, errors.New("model is overloaded")
		}
		return engine.Result{ImagePNG: []byte{1}}, nil
	}
	h := newHarness(t, mock)
	router := h.server.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/generate/batch", "alice", generateRequest{
		Prompts: []string{"ok1", "bad", "ok2"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("batch submit: status %d, body %s", rec.Code, rec.Body.String())
	}
	var created generateResponse
	decodeBody(t, rec, &created)
	if created.Total != 3 {
		t.Errorf("Total = %d, want 3", created.Total)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/tasks/"+created.TaskID, "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get task: status %d", rec.Code)
	}
	var got taskResponse
	decodeBody(t, rec, &got)
	if got.Status != tasks.StatusCompleted {
		t.Errorf("Status = %s, want completed despite one failed item", got.Status)
	}
	if len(got.Results) != 2 || len(got.Errors) != 1 {
		t.Errorf("results=%d errors=%d, want 2 and 1", len(got.Results), len(got.Errors))
	}
	if got.Errors[0].Index != 1 {
		t.Errorf("failed index = %d, want 1", got.Errors[0].Index)
	}
}

func TestBatchOverCapDeniedWithoutSideEffects(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	router := h.server.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/generate/batch", "alice", generateRequest{
		Prompt: "p", Count: 6,
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", rec.Code)
	}

	list, err := h.taskStore.ListOwner(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListOwner: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("denied request created %d tasks", len(list))
	}
	info, err := h.ledger.Status(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Used != 0 {
		t.Errorf("denied request consumed %d points", info.Used)
	}
}

func TestQuotaExhaustionDeniesBeforeTaskCreation(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	router := h.server.Router()
	ctx := context.Background()

	if err := h.ledger.Consume(ctx, "alice", "generate", "1024", 9, false); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	rec := doJSON(t, router, http.MethodPost, "/v1/generate/batch", "alice", generateRequest{
		Prompt: "p", Count: 2,
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", rec.Code)
	}
	list, err := h.taskStore.ListOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListOwner: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("denied request created %d tasks", len(list))
	}
}

func TestQueueFullRefundsAndFailsTask(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	h.submitter.full = true
	router := h.server.Router()
	ctx := context.Background()

	rec := doJSON(t, router, http.MethodPost, "/v1/generate/batch", "alice", generateRequest{
		Prompt: "p", Count: 3,
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}

	info, err := h.ledger.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Used != 0 {
		t.Errorf("Used = %d after queue-full refund, want 0", info.Used)
	}
	list, err := h.taskStore.ListOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListOwner: %v", err)
	}
	if len(list) != 1 || list[0].Status != tasks.StatusFailed {
		t.Errorf("tasks = %+v, want one failed record", list)
	}
}

func TestCancelTwiceConflicts(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	router := h.server.Router()
	ctx := context.Background()

	// Create a queued task directly so no worker races the cancel.
	created, err := h.taskStore.Create(ctx, tasks.KindBatch, "alice", "p", "generate", "1024", 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks/"+created.ID+"/cancel", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first cancel: status %d, body %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodPost, "/v1/tasks/"+created.ID+"/cancel", "alice", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel: status %d, want 409", rec.Code)
	}
}

func TestCancelByNonOwnerForbidden(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	router := h.server.Router()

	created, err := h.taskStore.Create(context.Background(), tasks.KindBatch, "alice", "p", "generate", "1024", 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec := doJSON(t, router, http.MethodPost, "/v1/tasks/"+created.ID+"/cancel", "mallory", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status %d, want 403", rec.Code)
	}
}

func TestGetTaskHiddenFromNonOwner(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	router := h.server.Router()

	created, err := h.taskStore.Create(context.Background(), tasks.KindSingle, "alice", "p", "generate", "1024", 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec := doJSON(t, router, http.MethodGet, "/v1/tasks/"+created.ID, "mallory", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404 (existence not confirmed)", rec.Code)
	}
}

func TestSingleGenerateFailureRefunds(t *testing.T) {
	mock := engine.NewMock()
	mock.GenerateFunc = func(ctx context.Context, req engine.Request) (engine.Result, error) {
		return engine.Result{}, errors.New("connection refused")
	}
	h := newHarness(t, mock)
	router := h.server.Router()
	ctx := context.Background()

	rec := doJSON(t, router, http.MethodPost, "/v1/generate", "alice", generateRequest{Prompt: "p"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, want 202 (failure surfaces on the task)", rec.Code)
	}
	var created generateResponse
	decodeBody(t, rec, &created)

	got, err := h.taskStore.Get(ctx, created.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != tasks.StatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	info, err := h.ledger.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Used != 0 {
		t.Errorf("Used = %d after refund, want 0", info.Used)
	}
}

func TestQuotaStatusEndpoint(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	router := h.server.Router()

	if err := h.ledger.Consume(context.Background(), "alice", "generate", "1024", 4, false); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	rec := doJSON(t, router, http.MethodGet, "/v1/quota", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var info quota.Info
	decodeBody(t, rec, &info)
	if info.Used != 4 || info.Remaining != 6 {
		t.Errorf("info = %+v, want used=4 remaining=6", info)
	}
}

func TestQuotaResetRequiresAdminToken(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	router := h.server.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/quota/reset", "alice", quotaResetRequest{Owner: "alice"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("without token: status %d, want 403", rec.Code)
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(quotaResetRequest{Owner: "alice"}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/quota/reset", &buf)
	req.Header.Set("X-Admin-Token", "sekrit")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Errorf("with token: status %d, body %s", rec2.Code, rec2.Body.String())
	}
}

func TestBypassHeaderSkipsQuota(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	router := h.server.Router()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(generateRequest{Prompt: "p", Count: 5}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/generate/batch", &buf)
	req.Header.Set("X-User-ID", "vip")
	req.Header.Set("X-API-Key", "personal-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	info, err := h.ledger.Status(context.Background(), "vip")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Used != 0 {
		t.Errorf("bypass request consumed %d points", info.Used)
	}
}

func TestChatSessionFlow(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	router := h.server.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/chat/sessions", "alice", createChatSessionRequest{Title: "foxes"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: status %d", rec.Code)
	}
	var session chat.Session
	decodeBody(t, rec, &session)

	rec = doJSON(t, router, http.MethodPost, "/v1/chat/sessions/"+session.ID+"/messages", "alice", chatSendRequest{Prompt: "a fox"})
	if rec.Code != http.StatusOK {
		t.Fatalf("send: status %d, body %s", rec.Code, rec.Body.String())
	}
	var reply chat.Reply
	decodeBody(t, rec, &reply)
	if len(reply.Session.Turns) != 2 || reply.Image.Key == "" {
		t.Errorf("reply = %+v", reply)
	}

	// Image retrievable through the public route.
	rec = doJSON(t, router, http.MethodGet, "/v1/images/"+reply.Image.Key, "alice", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get image: status %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/chat/sessions/"+session.ID, "bob", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-owner get: status %d, want 404", rec.Code)
	}

	rec = doJSON(t, router, http.MethodDelete, "/v1/chat/sessions/"+session.ID, "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/v1/chat/sessions/"+session.ID, "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status %d, want 404", rec.Code)
	}
}

func TestMissingTaskIs404(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	router := h.server.Router()
	rec := doJSON(t, router, http.MethodGet, "/v1/tasks/no-such-task", "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	router := h.server.Router()
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := doJSON(t, router, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status %d", path, rec.Code)
		}
	}
}
