package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ParseProjectID extracts and validates the project ID from the request path.
// On failure it writes a 400 response and returns false.
// Expects path parameter: pid
func ParseProjectID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("pid"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_project_id", "Invalid project ID format"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

// ParseEntityName returns the {name} path parameter. On an empty name it
// writes a 400 response and returns false.
func ParseEntityName(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	name := r.PathValue("name")
	if name == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_entity", "Entity name is required"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return "", false
	}
	return name, true
}
