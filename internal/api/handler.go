// Package api exposes the read-only HTTP front-end: host listing, host
// detail, server statistics and health. All writes go through the TCP
// registration protocol, never through HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/prismhq/prism/internal/registry"
	"github.com/prismhq/prism/internal/stats"
)

// Error codes returned by the API.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeHostNotFound    = "HOST_NOT_FOUND"
	CodeInternalError   = "INTERNAL_ERROR"
)

// APIResponse is the standard response envelope.
type APIResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIError is the error detail in a response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ListHostsResponse wraps the host list with its summary counts.
type ListHostsResponse struct {
	Hosts   []*registry.Host `json:"hosts"`
	Total   int              `json:"total"`
	Online  int              `json:"online"`
	Offline int              `json:"offline"`
}

// PingFunc checks a backing dependency for the health endpoint.
type PingFunc func(ctx context.Context) error

// Handler serves the read-only endpoints.
type Handler struct {
	store     registry.HostStore
	collector *stats.Collector
	dbPing    PingFunc // nil when no database is configured
	logger    *slog.Logger
}

// NewHandler creates a Handler. dbPing may be nil.
func NewHandler(store registry.HostStore, collector *stats.Collector, dbPing PingFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     store,
		collector: collector,
		dbPing:    dbPing,
		logger:    logger,
	}
}

// ListHosts handles GET /api/v1/hosts. The optional status query
// parameter filters to online or offline hosts.
func (h *Handler) ListHosts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", string(registry.StatusOnline), string(registry.StatusOffline):
	default:
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "status must be online or offline")
		return
	}

	hosts, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list hosts", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "failed to list hosts")
		return
	}

	resp := ListHostsResponse{Hosts: []*registry.Host{}}
	for _, host := range hosts {
		if host.Status == registry.StatusOnline {
			resp.Online++
		} else {
			resp.Offline++
		}
		if status == "" || string(host.Status) == status {
			resp.Hosts = append(resp.Hosts, host)
		}
	}
	resp.Total = resp.Online + resp.Offline

	h.writeSuccess(w, http.StatusOK, resp)
}

// GetHost handles GET /api/v1/hosts/{hostname}.
func (h *Handler) GetHost(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	if hostname == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "hostname is required")
		return
	}

	host, err := h.store.Get(r.Context(), hostname)
	if err != nil {
		if errors.Is(err, registry.ErrHostNotFound) {
			h.writeError(w, http.StatusNotFound, CodeHostNotFound, "hostname not registered")
			return
		}
		h.logger.Error("failed to get host",
			slog.String("hostname", hostname),
			slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "failed to get host")
		return
	}

	h.writeSuccess(w, http.StatusOK, host)
}

// GetStats handles GET /api/v1/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, http.StatusOK, h.collector.Snapshot())
}

// Health handles GET /health. It reports degraded state with 200 so load
// balancers only drop the instance when a dependency is actually down.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": h.collector.Health()}

	code := http.StatusOK
	if h.dbPing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.dbPing(ctx); err != nil {
			body["database"] = "down"
			code = http.StatusServiceUnavailable
		} else {
			body["database"] = "up"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeSuccess(w http.ResponseWriter, code int, data any) {
	h.writeJSON(w, code, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, code int, errCode, message string) {
	h.writeJSON(w, code, APIResponse{
		Success:   false,
		Error:     &APIError{Code: errCode, Message: message},
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
