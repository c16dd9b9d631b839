// Package ops exposes the agent's local health and status endpoints.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/your-org/edgestream/internal/pipeline"
	"github.com/your-org/edgestream/internal/streaming"
)

// Handler serves the admin endpoints for one running agent.
type Handler struct {
	client   *streaming.Client
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
	router   chi.Router
}

// NewHandler constructs the handler and wires routes.
func NewHandler(client *streaming.Client, pl *pipeline.Pipeline, logger *zap.Logger) *Handler {
	h := &Handler{client: client, pipeline: pl, logger: logger}
	h.buildRouter()
	return h
}

func (h *Handler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.handleHealth)
	r.Get("/statusz", h.handleStatus)

	h.router = r
}

// Router exposes the configured chi router.
func (h *Handler) Router() http.Handler {
	return h.router
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := h.client.State()
	status := http.StatusOK
	if state == streaming.StateInvalidated {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"status":  "ok",
		"channel": state.String(),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"channel_state": h.client.State().String(),
		"last_offset":   h.client.LastOffset(),
		"stats":         h.pipeline.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// Serve runs the admin server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler *Handler, logger *zap.Logger) {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("admin server starting", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("admin server failed", zap.Error(err))
	}
}
