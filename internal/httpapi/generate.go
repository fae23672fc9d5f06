package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atelier-ai/atelier/internal/batch"
	"github.com/atelier-ai/atelier/internal/history"
	"github.com/atelier-ai/atelier/internal/quota"
	"github.com/atelier-ai/atelier/internal/tasks"
)

type generateRequest struct {
	Prompt         string   `json:"prompt"`
	Prompts        []string `json:"prompts"`
	Count          int      `json:"count"`
	NegativePrompt string   `json:"negative_prompt"`
	AspectRatio    string   `json:"aspect_ratio"`
	Resolution     string   `json:"resolution"`
	SafetyLevel    string   `json:"safety_level"`
}

type generateResponse struct {
	TaskID string       `json:"task_id"`
	Status tasks.Status `json:"status"`
	Total  int          `json:"total"`
	Quota  *quota.Info  `json:"quota,omitempty"`
}

// normalizePrompts flattens the request into the per-item prompt list.
// A bare prompt with count>1 repeats; an explicit list wins.
func (req *generateRequest) normalizePrompts() []string {
	prompts := make([]string, 0, len(req.Prompts))
	for _, p := range req.Prompts {
		if p = strings.TrimSpace(p); p != "" {
			prompts = append(prompts, p)
		}
	}
	if len(prompts) > 0 {
		return prompts
	}
	p := strings.TrimSpace(req.Prompt)
	if p == "" {
		return nil
	}
	count := req.Count
	if count < 1 {
		count = 1
	}
	out := make([]string, count)
	for i := range out {
		out[i] = p
	}
	return out
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}
	s.startJob(w, r, tasks.KindSingle, []string{prompt}, req)
}

func (s *Server) handleGenerateBatch(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	prompts := req.normalizePrompts()
	if len(prompts) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt or prompts is required")
		return
	}
	s.startJob(w, r, tasks.KindBatch, prompts, req)
}

// startJob runs the shared admission flow: quota check, consume, task
// record, enqueue. Denials happen before any state is written, so a denied
// request leaves no task behind.
func (s *Server) startJob(w http.ResponseWriter, r *http.Request, kind tasks.Kind, prompts []string, req generateRequest) {
	ctx := r.Context()
	owner := ownerID(r)
	bypass := bypassRequested(r)
	count := len(prompts)
	mode := "generate"
	resolution := strings.TrimSpace(req.Resolution)
	if resolution == "" {
		resolution = "1024"
	}

	allowed, reason, info, err := s.ledger.Check(ctx, owner, mode, resolution, count, bypass)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", s.internalDetail(err))
		return
	}
	if !allowed {
		if s.metrics != nil {
			s.metrics.QuotaDenials.WithLabelValues(denialCode(reason)).Inc()
		}
		respondJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": reason,
			"code":  "quota_exceeded",
			"quota": info,
		})
		return
	}
	if err := s.ledger.Consume(ctx, owner, mode, resolution, count, bypass); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", s.internalDetail(err))
		return
	}
	if !bypass {
		_ = s.archive.RecordUsage(ctx, history.UsageRecord{Owner: owner, Kind: "consume", Points: count})
	}

	displayPrompt := prompts[0]
	task, err := s.taskStore.Create(ctx, kind, owner, displayPrompt, mode, resolution, count)
	if err != nil {
		if !bypass {
			_, _ = s.ledger.Refund(ctx, owner, count)
		}
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", s.internalDetail(err))
		return
	}

	job := batch.Job{
		TaskID:         task.ID,
		Kind:           string(kind),
		Owner:          owner,
		Prompts:        prompts,
		NegativePrompt: strings.TrimSpace(req.NegativePrompt),
		AspectRatio:    strings.TrimSpace(req.AspectRatio),
		Resolution:     resolution,
		Mode:           mode,
		SafetyLevel:    strings.TrimSpace(req.SafetyLevel),
		Bypass:         bypass,
	}
	if kind == tasks.KindSingle {
		err = s.submitter.SubmitSingle(job)
	} else {
		err = s.submitter.SubmitBatch(job)
	}
	if err != nil {
		if !bypass {
			if n, rerr := s.ledger.Refund(ctx, owner, count); rerr == nil {
				_ = s.taskStore.RecordRefund(ctx, task.ID, n)
			}
		}
		_ = s.taskStore.Finalize(ctx, task.ID, tasks.StatusFailed, "generation queue is full")
		respondError(w, http.StatusServiceUnavailable, "queue_full", "generation queue is full, try again later")
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveTasks.Inc()
	}
	s.hub.Publish(owner, tasks.Event{Type: tasks.EventQueued, TaskID: task.ID, Status: tasks.StatusQueued, Total: count})

	respondJSON(w, http.StatusAccepted, generateResponse{
		TaskID: task.ID,
		Status: task.Status,
		Total:  count,
		Quota:  &info,
	})
}

func denialCode(reason string) string {
	switch {
	case strings.Contains(reason, "wait"):
		return "cooldown"
	case strings.Contains(reason, "Batch size"):
		return "batch_size"
	case strings.Contains(reason, "Service-wide"):
		return "global_cap"
	default:
		return "daily_limit"
	}
}

type taskResponse struct {
	ID        string             `json:"id"`
	Kind      tasks.Kind         `json:"kind"`
	Status    tasks.Status       `json:"status"`
	Progress  int                `json:"progress"`
	Total     int                `json:"total"`
	Cancelled bool               `json:"cancelled"`
	Prompt    string             `json:"prompt"`
	Results   []tasks.ItemResult `json:"results"`
	Errors    []tasks.ItemError  `json:"errors"`
	Error     string             `json:"error,omitempty"`
	Refunded  int                `json:"refunded,omitempty"`
	CreatedAt string             `json:"created_at"`
	UpdatedAt string             `json:"updated_at"`
}

func toTaskResponse(t tasks.Task) taskResponse {
	return taskResponse{
		ID:        t.ID,
		Kind:      t.Kind,
		Status:    t.Status,
		Progress:  t.Progress,
		Total:     t.Total,
		Cancelled: t.Cancelled,
		Prompt:    t.Prompt,
		Results:   t.Results,
		Errors:    t.Errors,
		Error:     t.Error,
		Refunded:  t.Refunded,
		CreatedAt: t.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: t.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	t, err := s.taskStore.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", "no such task")
			return
		}
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", s.internalDetail(err))
		return
	}
	if t.Owner != ownerID(r) {
		// Task IDs are unguessable; report not-found rather than
		// confirming existence to a non-owner.
		respondError(w, http.StatusNotFound, "task_not_found", "no such task")
		return
	}
	respondJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.taskStore.ListOwner(r.Context(), ownerID(r))
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", s.internalDetail(err))
		return
	}
	out := make([]taskResponse, 0, len(list))
	for _, t := range list {
		out = append(out, toTaskResponse(t))
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	owner := ownerID(r)
	res, err := s.canceller.Cancel(r.Context(), id, owner)
	if err != nil {
		switch {
		case errors.Is(err, tasks.ErrNotFound):
			respondError(w, http.StatusNotFound, "task_not_found", "no such task")
		case errors.Is(err, tasks.ErrUnauthorized):
			respondError(w, http.StatusForbidden, "not_owner", "only the task owner may cancel")
		case errors.Is(err, tasks.ErrConflict):
			respondError(w, http.StatusConflict, "task_finished", "task already finished or cancellation pending")
		default:
			respondError(w, http.StatusServiceUnavailable, "store_unavailable", s.internalDetail(err))
		}
		return
	}
	if res.Refunded > 0 {
		if s.metrics != nil {
			s.metrics.QuotaRefunds.Add(float64(res.Refunded))
		}
		_ = s.archive.RecordUsage(r.Context(), history.UsageRecord{Owner: owner, Kind: "refund", Points: res.Refunded, TaskID: id})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task":     toTaskResponse(res.Task),
		"refunded": res.Refunded,
	})
}

func (s *Server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.ledger.Status(r.Context(), ownerID(r))
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", s.internalDetail(err))
		return
	}
	respondJSON(w, http.StatusOK, info)
}

type quotaResetRequest struct {
	Owner string `json:"owner"`
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		respondError(w, http.StatusForbidden, "forbidden", "admin token required")
		return
	}
	var req quotaResetRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "owner is required")
		return
	}
	if err := s.ledger.Reset(r.Context(), owner); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", s.internalDetail(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "reset", "owner": owner})
}
