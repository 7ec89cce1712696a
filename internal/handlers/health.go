package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"
)

const healthTimeout = 2 * time.Second

// Checker reports whether a dependency is reachable
type Checker interface {
	Health(ctx context.Context) error
}

// HealthHandler pings every registered dependency
type HealthHandler struct {
	checks map[string]Checker
	logger *slog.Logger
}

// NewHealthHandler creates a health handler over the named checks
func NewHealthHandler(checks map[string]Checker, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HealthHandler{checks: checks, logger: logger}
}

type healthResponse struct {
	Status string   `json:"status"`
	Failed []string `json:"failed,omitempty"`
}

// Handle responds 200 when every check passes and 503 otherwise
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	var failed []string
	for name, check := range h.checks {
		if err := check.Health(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed", "dependency", name, "error", err)
			failed = append(failed, name)
		}
	}

	if len(failed) > 0 {
		slices.Sort(failed)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Failed: failed}, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"}, h.logger)
}
