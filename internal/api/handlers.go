package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/mirror"
	"github.com/GeminiLight/OverLink/internal/registry"
)

const maxBodyBytes = 64 << 10

// DeleteRequest is the body of POST /api/delete.
type DeleteRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMirror streams one NDJSON event per line. The request context is the
// job context, so a client that disconnects cancels the job.
func (s *Server) handleMirror(w http.ResponseWriter, r *http.Request) {
	var job mirror.Job
	if !decodeBody(w, r, &job) {
		return
	}
	if msg := validateJob(job); msg != "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": msg})
		return
	}

	log := s.logger.With(
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("nickname", job.Nickname),
	)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	var mu sync.Mutex
	emit := func(e mirror.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(e); err != nil {
			log.Debug("Dropping stream event.", zap.Error(err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	last := s.mirror.Mirror(r.Context(), job, emit)
	if r.Context().Err() != nil {
		log.Info("Client disconnected, mirror cancelled.")
		return
	}
	log.Info("Mirror finished.", zap.String("type", last.Type))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "Registry unavailable."})
		return
	}

	err := s.store.DeleteMatching(r.Context(), req.Username, req.Email)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "User not found or email mismatch."})
	case err != nil:
		s.logger.Error("Failed to delete entry.", zap.String("nickname", req.Username), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Failed to delete entry."})
	default:
		s.logger.Info("Deleted entry.", zap.String("nickname", req.Username))
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "CV entry deleted."})
	}
}

func validateJob(job mirror.Job) string {
	var missing []string
	if job.Nickname == "" {
		missing = append(missing, "nickname")
	}
	if job.ProjectID == "" {
		missing = append(missing, "project_id")
	}
	if job.Email == "" {
		missing = append(missing, "email")
	}
	if len(missing) > 0 {
		return "Missing required fields: " + strings.Join(missing, ", ")
	}
	return ""
}

// decodeBody answers 422 itself when the body is not the expected JSON.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "Invalid request body."})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
