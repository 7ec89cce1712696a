package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// RouterConfig lists what the router exposes
type RouterConfig struct {
	Identify    *IdentifyHandler
	Health      *HealthHandler
	Metrics     http.Handler
	MetricsPath string
	Logger      *slog.Logger
}

// NewRouter registers the service endpoints
func NewRouter(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(RequestID)
	if cfg.Logger != nil {
		router.Use(AccessLog(cfg.Logger))
	}

	router.HandleFunc("/identify", cfg.Identify.Handle).Methods(http.MethodPost)
	if cfg.Health != nil {
		router.HandleFunc("/health", cfg.Health.Handle).Methods(http.MethodGet)
	}
	if cfg.Metrics != nil && cfg.MetricsPath != "" {
		router.Handle(cfg.MetricsPath, cfg.Metrics).Methods(http.MethodGet)
	}

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "Not found")
	})
	return router
}
