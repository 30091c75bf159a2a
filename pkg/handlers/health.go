package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/config"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/logging"
)

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status   string `json:"status"`
	Metadata string `json:"metadata,omitempty"`
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check and ping endpoints.
type HealthHandler struct {
	cfg      *config.Config
	metadata HealthChecker
	logger   *zap.Logger
}

// NewHealthHandler creates a HealthHandler. metadata may be nil when the
// registry does not read from a database.
func NewHealthHandler(cfg *config.Config, metadata HealthChecker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, metadata: metadata, logger: logger.Named("health")}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
}

// Health handles GET /health. It reports 503 when the metadata store is
// unreachable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if h.metadata != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.metadata.Health(ctx); err != nil {
			h.logger.Warn("Metadata store health check failed", zap.String("error", logging.SanitizeError(err)))
			resp.Status = "degraded"
			resp.Metadata = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Metadata = "ok"
		}
	}

	if err := WriteJSON(w, status, resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping handles GET /ping requests.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "ekaya-crossquery",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
