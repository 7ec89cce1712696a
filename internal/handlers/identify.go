package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/skulltech/bitespeed-backend-assignment/internal/locks"
	"github.com/skulltech/bitespeed-backend-assignment/internal/models"
	"github.com/skulltech/bitespeed-backend-assignment/internal/service"
)

const maxBodyBytes = 1 << 16

// Identifier resolves an identify request to a consolidated contact
type Identifier interface {
	Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error)
}

// IdentifyHandler handles the /identify endpoint
type IdentifyHandler struct {
	service Identifier
	logger  *slog.Logger
}

// NewIdentifyHandler creates a new identify handler
func NewIdentifyHandler(svc Identifier, logger *slog.Logger) *IdentifyHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &IdentifyHandler{service: svc, logger: logger}
}

// Handle processes the identify request
func (h *IdentifyHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	ctx := r.Context()
	var req models.IdentifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.logger.DebugContext(ctx, "error decoding request",
			"error", err,
			"request_id", RequestIDFromContext(ctx),
		)
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON")
		return
	}

	response, err := h.service.Identify(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", "Either email or phoneNumber must be provided")
		return
	case errors.Is(err, locks.ErrLockTimeout):
		h.logger.WarnContext(ctx, "identify lock wait timed out",
			"error", err,
			"request_id", RequestIDFromContext(ctx),
		)
		writeError(w, http.StatusServiceUnavailable, "lock_timeout", "Contact is being updated, retry later")
		return
	default:
		h.logger.ErrorContext(ctx, "error processing identify request",
			"error", err,
			"request_id", RequestIDFromContext(ctx),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, response, h.logger)
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description}, nil)
}

func writeJSON(w http.ResponseWriter, status int, body any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && logger != nil {
		logger.Error("error encoding response", "error", err)
	}
}
