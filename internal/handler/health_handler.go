package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"notes-sharing-server/pkg/response"
)

const readinessTimeout = 3 * time.Second

type Pinger interface {
	Ready(ctx context.Context) error
}

type HealthHandler struct {
	pinger Pinger
	logger *slog.Logger
}

func NewHealthHandler(pinger Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{pinger: pinger, logger: logger}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]string{"status": "ok"})
}

// Ready reports 503 while the note repository cannot be reached.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := h.pinger.Ready(ctx); err != nil {
		h.logger.Warn("readiness check failed", slog.String("error", err.Error()))
		response.ServiceUnavailable(w, "Repository unavailable")
		return
	}

	response.Success(w, map[string]string{"status": "ready"})
}

func (h *HealthHandler) Root(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]string{
		"service": "notes-sharing-server",
		"status":  "running",
	})
}
