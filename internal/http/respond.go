package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/chronod/internal/store"
	"github.com/nextlevelbuilder/chronod/pkg/api"
)

// maxRequestBodySize caps request bodies to prevent DoS via huge payloads.
const maxRequestBodySize = 1 << 20 // 1MB

// writeData writes a 2xx envelope with v marshaled under data.
func (s *Server) writeData(w http.ResponseWriter, status int, v any) {
	s.writeEnvelope(w, status, true, v)
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, success bool, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode response", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to encode response", nil)
		return
	}
	resp := api.Response{Success: success, Data: data, Timestamp: s.now().UTC()}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("write response", "error", err)
	}
}

// writeError writes the error envelope for status. The error kind is derived
// from the status code.
func (s *Server) writeError(w http.ResponseWriter, status int, message string, details []api.FieldError) {
	resp := api.ErrorResponse{
		Error:     errKind(status),
		Message:   message,
		Details:   details,
		Timestamp: s.now().UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("write error response", "error", err)
	}
}

func errKind(status int) string {
	switch status {
	case http.StatusBadRequest:
		return api.ErrKindValidation
	case http.StatusUnauthorized:
		return api.ErrKindAuth
	case http.StatusNotFound:
		return api.ErrKindNotFound
	case http.StatusRequestTimeout:
		return api.ErrKindTimeout
	case http.StatusTooManyRequests:
		return api.ErrKindRateLimit
	case http.StatusServiceUnavailable:
		return api.ErrKindStore
	default:
		return api.ErrKindInternal
	}
}

// writeStoreErr maps store and domain errors onto the HTTP error contract:
// validation 400 with field details, missing job 404, context deadline 408,
// anything else a 503 so callers know to retry.
func (s *Server) writeStoreErr(w http.ResponseWriter, err error) {
	if ve, ok := store.AsValidation(err); ok {
		details := make([]api.FieldError, len(ve.Details))
		for i, d := range ve.Details {
			details[i] = api.FieldError{Field: d.Field, Message: d.Message, Value: d.Value}
		}
		s.writeError(w, http.StatusBadRequest, "invalid input", details)
		return
	}
	if errors.Is(err, store.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found", nil)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, http.StatusRequestTimeout, "request timed out", nil)
		return
	}
	slog.Error("store error", "error", err)
	msg := "database unavailable"
	if !s.prod {
		msg = fmt.Sprintf("database unavailable: %v", err)
	}
	s.writeError(w, http.StatusServiceUnavailable, msg, nil)
}

// decodeJSON reads a size-capped JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
