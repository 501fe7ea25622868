package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/StarryCod/void-mes-sub000/internal/metrics"
	"github.com/StarryCod/void-mes-sub000/internal/service"
	"github.com/gorilla/mux"
)

// HTTPHandler serves the health, status and metrics endpoints.
type HTTPHandler struct {
	service *service.Service
	metrics metrics.Collector
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc *service.Service, m metrics.Collector) *HTTPHandler {
	if m == nil {
		m = metrics.Noop{}
	}
	return &HTTPHandler{service: svc, metrics: m}
}

// SetupRoutes registers the handler's routes on the router
func (h *HTTPHandler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
}

// handleHealth reports liveness
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStatus reports live relay counts
func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	conns, users, calls := h.service.Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"connections":  conns,
		"online_users": users,
		"active_calls": calls,
		"timestamp":    time.Now().UnixNano() / int64(time.Millisecond),
	})
}
