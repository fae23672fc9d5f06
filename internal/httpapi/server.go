package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/atelier-ai/atelier/internal/batch"
	"github.com/atelier-ai/atelier/internal/chat"
	"github.com/atelier-ai/atelier/internal/config"
	"github.com/atelier-ai/atelier/internal/history"
	"github.com/atelier-ai/atelier/internal/kv"
	"github.com/atelier-ai/atelier/internal/observability"
	"github.com/atelier-ai/atelier/internal/quota"
	"github.com/atelier-ai/atelier/internal/storage"
	"github.com/atelier-ai/atelier/internal/tasks"
)

// Submitter enqueues generation jobs. Satisfied by the batch pool wrappers
// built in main.
type Submitter interface {
	SubmitBatch(job batch.Job) error
	SubmitSingle(job batch.Job) error
}

type Server struct {
	cfg        config.Config
	ledger     *quota.Ledger
	taskStore  *tasks.Store
	canceller  *tasks.Canceller
	hub        *tasks.Hub
	submitter  Submitter
	chat       *chat.Service
	sessions   *chat.Manager
	objects    storage.Store
	archive    history.Archive
	store      kv.Store
	engineName string
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
}

func New(
	cfg config.Config,
	ledger *quota.Ledger,
	taskStore *tasks.Store,
	canceller *tasks.Canceller,
	hub *tasks.Hub,
	submitter Submitter,
	chatService *chat.Service,
	sessions *chat.Manager,
	objects storage.Store,
	archive history.Archive,
	store kv.Store,
	engineName string,
	metrics *observability.Metrics,
) *Server {
	if archive == nil {
		archive = history.Noop{}
	}
	return &Server{
		cfg:        cfg,
		ledger:     ledger,
		taskStore:  taskStore,
		canceller:  canceller,
		hub:        hub,
		submitter:  submitter,
		chat:       chatService,
		sessions:   sessions,
		objects:    objects,
		archive:    archive,
		store:      store,
		engineName: engineName,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/generate", s.handleGenerate)
	r.Post("/v1/generate/batch", s.handleGenerateBatch)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
	r.Get("/v1/tasks/ws", s.handleTaskWS)

	r.Get("/v1/quota", s.handleQuotaStatus)
	r.Post("/v1/quota/reset", s.handleQuotaReset)

	r.Post("/v1/chat/sessions", s.handleCreateChatSession)
	r.Get("/v1/chat/sessions", s.handleListChatSessions)
	r.Get("/v1/chat/sessions/{id}", s.handleGetChatSession)
	r.Delete("/v1/chat/sessions/{id}", s.handleDeleteChatSession)
	r.Post("/v1/chat/sessions/{id}/messages", s.handleChatSend)

	r.Get("/v1/images/{key}", s.handleGetImage)
	r.Get("/v1/images", s.handleRecentImages)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"engine": s.engineName,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "state store unreachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"engine": s.engineName,
	})
}

// ownerID resolves the caller identity. There is no account system; the
// shared-credential model trusts the header the front proxy sets.
func ownerID(r *http.Request) string {
	owner := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if owner == "" {
		return "anonymous"
	}
	return owner
}

// bypassRequested reports whether the caller presented a personal API key,
// which exempts the request from shared-quota accounting.
func bypassRequested(r *http.Request) bool {
	return strings.TrimSpace(r.Header.Get("X-API-Key")) != ""
}

// adminAuthorized gates the quota reset endpoint.
func (s *Server) adminAuthorized(r *http.Request) bool {
	token := strings.TrimSpace(s.cfg.AdminToken)
	if token == "" {
		return false
	}
	return strings.TrimSpace(r.Header.Get("X-Admin-Token")) == token
}

// internalDetail hides raw error text when the deployment is locked down.
func (s *Server) internalDetail(err error) string {
	if s.cfg.LockedDown {
		return "internal error"
	}
	return err.Error()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
