package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/auth"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/logging"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/services"
)

// maxQueryBodyBytes caps the size of a query request body.
const maxQueryBodyBytes = 1 << 20

// QueryTooComplexResponse is returned with 422 when a request is rejected by
// the complexity pre-check.
type QueryTooComplexResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Score     int    `json:"score"`
	Threshold int    `json:"threshold"`
}

// QueryHandler exposes the cross-entity query pipeline over HTTP.
type QueryHandler struct {
	queryService services.QueryService
	logger       *zap.Logger
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(queryService services.QueryService, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{
		queryService: queryService,
		logger:       logger.Named("query-handler"),
	}
}

// RegisterRoutes registers the query handler's routes on the given mux.
func (h *QueryHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	base := "/api/projects/{pid}"
	requireProject := authMiddleware.RequireProject("pid")

	mux.HandleFunc("POST "+base+"/query/validate", requireProject(h.Validate))
	mux.HandleFunc("POST "+base+"/query/explain", requireProject(h.Explain))
	mux.HandleFunc("POST "+base+"/query/execute", requireProject(h.Execute))
	mux.HandleFunc("GET "+base+"/entities/{name}", requireProject(h.DescribeEntity))
	mux.HandleFunc("POST "+base+"/entities/{name}/refresh", requireProject(h.RefreshEntity))

	// Process-wide, so not project scoped.
	mux.HandleFunc("GET /api/query/metrics", authMiddleware.RequireAuth(h.Metrics))
	mux.HandleFunc("GET /api/query/guardrails", authMiddleware.RequireAuth(h.Guardrails))
}

// Validate handles POST /api/projects/{pid}/query/validate.
// Both valid and invalid requests return 200 with the validation result.
func (h *QueryHandler) Validate(w http.ResponseWriter, r *http.Request) {
	projectID, raw, ok := h.readQuery(w, r)
	if !ok {
		return
	}

	result, err := h.queryService.Validate(r.Context(), projectID, raw)
	if err != nil {
		h.writeServiceError(w, projectID, err)
		return
	}
	h.write(w, http.StatusOK, result)
}

// Explain handles POST /api/projects/{pid}/query/explain.
func (h *QueryHandler) Explain(w http.ResponseWriter, r *http.Request) {
	projectID, raw, ok := h.readQuery(w, r)
	if !ok {
		return
	}

	out, err := h.queryService.Explain(r.Context(), projectID, raw)
	if err != nil {
		h.writeServiceError(w, projectID, err)
		return
	}
	if !out.Validation.Valid {
		h.write(w, http.StatusUnprocessableEntity, out.Validation)
		return
	}
	h.write(w, http.StatusOK, out)
}

// Execute handles POST /api/projects/{pid}/query/execute.
func (h *QueryHandler) Execute(w http.ResponseWriter, r *http.Request) {
	projectID, raw, ok := h.readQuery(w, r)
	if !ok {
		return
	}

	out, err := h.queryService.Execute(r.Context(), projectID, raw)
	if err != nil {
		h.writeServiceError(w, projectID, err)
		return
	}
	if !out.Validation.Valid {
		h.write(w, http.StatusUnprocessableEntity, out.Validation)
		return
	}
	h.write(w, http.StatusOK, out)
}

// DescribeEntity handles GET /api/projects/{pid}/entities/{name}.
func (h *QueryHandler) DescribeEntity(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}
	name, ok := ParseEntityName(w, r, h.logger)
	if !ok {
		return
	}

	entity, err := h.queryService.DescribeEntity(r.Context(), projectID, name)
	if err != nil {
		h.writeServiceError(w, projectID, err)
		return
	}
	h.write(w, http.StatusOK, entity)
}

// RefreshEntity handles POST /api/projects/{pid}/entities/{name}/refresh.
func (h *QueryHandler) RefreshEntity(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}
	name, ok := ParseEntityName(w, r, h.logger)
	if !ok {
		return
	}

	entity, err := h.queryService.RefreshEntity(r.Context(), projectID, name)
	if err != nil {
		h.writeServiceError(w, projectID, err)
		return
	}
	h.write(w, http.StatusOK, entity)
}

// Metrics handles GET /api/query/metrics.
func (h *QueryHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, h.queryService.Metrics())
}

// Guardrails handles GET /api/query/guardrails.
func (h *QueryHandler) Guardrails(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, h.queryService.Guardrails())
}

func (h *QueryHandler) readQuery(w http.ResponseWriter, r *http.Request) (uuid.UUID, []byte, bool) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return uuid.Nil, nil, false
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxQueryBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "Query body exceeds 1 MiB")
			return uuid.Nil, nil, false
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body")
		return uuid.Nil, nil, false
	}
	if len(raw) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Request body is required")
		return uuid.Nil, nil, false
	}
	return projectID, raw, true
}

// writeServiceError maps a QueryService error onto an HTTP response.
func (h *QueryHandler) writeServiceError(w http.ResponseWriter, projectID uuid.UUID, err error) {
	var tooComplex *apperrors.QueryTooComplexError
	if errors.As(err, &tooComplex) {
		h.write(w, http.StatusUnprocessableEntity, QueryTooComplexResponse{
			Error:     "query_too_complex",
			Message:   tooComplex.Error(),
			Score:     tooComplex.Score,
			Threshold: tooComplex.Threshold,
		})
		return
	}

	var execErr *apperrors.ExecutionError
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Entity not found")
	case errors.Is(err, apperrors.ErrRefreshUnsupported):
		h.writeError(w, http.StatusConflict, "refresh_unsupported", "Entity metadata is static and cannot be refreshed")
	case errors.Is(err, apperrors.ErrExecutorMissing):
		h.writeError(w, http.StatusNotImplemented, "not_implemented", "No query executor is configured")
	case errors.As(err, &execErr):
		h.logger.Error("Query execution failed",
			zap.String("project_id", projectID.String()),
			zap.String("kind", execErr.Kind),
			zap.String("error", logging.SanitizeError(execErr.Err)))
		switch execErr.Kind {
		case apperrors.ExecutionKindTimeout:
			h.writeError(w, http.StatusGatewayTimeout, "query_timeout", "Query timed out")
		case apperrors.ExecutionKindConnectivity:
			h.writeError(w, http.StatusBadGateway, "datasource_unavailable", "Datasource is unavailable")
		default:
			h.writeError(w, http.StatusInternalServerError, "execution_failed", "Query execution failed")
		}
	default:
		h.logger.Error("Query request failed",
			zap.String("project_id", projectID.String()),
			zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

func (h *QueryHandler) write(w http.ResponseWriter, status int, data any) {
	if err := WriteJSON(w, status, data); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *QueryHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
