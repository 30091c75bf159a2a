package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestParseProjectID(t *testing.T) {
	tests := []struct {
		name      string
		pathValue string
		wantOK    bool
	}{
		{name: "valid UUID", pathValue: "550e8400-e29b-41d4-a716-446655440000", wantOK: true},
		{name: "invalid UUID", pathValue: "not-a-uuid"},
		{name: "empty", pathValue: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.SetPathValue("pid", tt.pathValue)
			rec := httptest.NewRecorder()

			id, ok := ParseProjectID(rec, req, zap.NewNop())
			if ok != tt.wantOK {
				t.Fatalf("ParseProjectID() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok {
				if id.String() != tt.pathValue {
					t.Errorf("ParseProjectID() id = %v, want %v", id, tt.pathValue)
				}
				return
			}

			if id != uuid.Nil {
				t.Errorf("ParseProjectID() id = %v, want uuid.Nil", id)
			}
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			var resp map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp["error"] != "invalid_project_id" {
				t.Errorf("error = %q, want invalid_project_id", resp["error"])
			}
		})
	}
}

func TestParseEntityName(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.SetPathValue("name", "orders")
	rec := httptest.NewRecorder()

	name, ok := ParseEntityName(rec, req, zap.NewNop())
	if !ok || name != "orders" {
		t.Fatalf("ParseEntityName() = %q, %v; want orders, true", name, ok)
	}

	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	rec = httptest.NewRecorder()
	if _, ok := ParseEntityName(rec, req, zap.NewNop()); ok {
		t.Fatal("ParseEntityName() ok = true for missing name")
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
