package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atelier-ai/atelier/internal/chat"
	"github.com/atelier-ai/atelier/internal/engine"
	"github.com/atelier-ai/atelier/internal/kv"
	"github.com/atelier-ai/atelier/internal/storage"
)

type createChatSessionRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateChatSession(w http.ResponseWriter, r *http.Request) {
	var req createChatSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	session, err := s.sessions.Create(r.Context(), ownerID(r), strings.TrimSpace(req.Title))
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", s.internalDetail(err))
		return
	}
	respondJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListChatSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context(), ownerID(r))
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", s.internalDetail(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleGetChatSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	session, err := s.sessions.Get(r.Context(), ownerID(r), id)
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", "no such session")
			return
		}
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", s.internalDetail(err))
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteChatSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.sessions.Delete(r.Context(), ownerID(r), id); err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", "no such session")
			return
		}
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", s.internalDetail(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

type chatSendRequest struct {
	Prompt     string `json:"prompt"`
	Resolution string `json:"resolution"`
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var req chatSendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}
	resolution := strings.TrimSpace(req.Resolution)
	if resolution == "" {
		resolution = "1024"
	}

	reply, err := s.chat.Send(r.Context(), ownerID(r), id, prompt, resolution, bypassRequested(r))
	if err != nil {
		var qe *chat.ErrQuotaExceeded
		switch {
		case errors.As(err, &qe):
			if s.metrics != nil {
				s.metrics.QuotaDenials.WithLabelValues(denialCode(qe.Reason)).Inc()
			}
			respondJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": qe.Reason,
				"code":  "quota_exceeded",
				"quota": qe.Info,
			})
		case errors.Is(err, chat.ErrSessionNotFound):
			respondError(w, http.StatusNotFound, "session_not_found", "no such session")
		case errors.Is(err, chat.ErrSafetyBlocked):
			respondError(w, http.StatusUnprocessableEntity, "safety_blocked",
				engine.FriendlyMessage(engine.KindSafetyBlocked))
		case errors.Is(err, kv.ErrUnavailable):
			respondError(w, http.StatusServiceUnavailable, "store_unavailable", s.internalDetail(err))
		default:
			kind := engine.Classify(err)
			respondError(w, http.StatusBadGateway, "engine_failure", engine.FriendlyMessage(kind))
		}
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	data, err := s.objects.Load(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "image_not_found", "no such image")
			return
		}
		respondError(w, http.StatusInternalServerError, "storage_error", s.internalDetail(err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleRecentImages(w http.ResponseWriter, r *http.Request) {
	list, err := s.archive.RecentImages(r.Context(), ownerID(r), 20)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "archive_unavailable", s.internalDetail(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"images": list})
}
