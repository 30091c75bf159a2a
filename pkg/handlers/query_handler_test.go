package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/auth"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/services"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/testhelpers"
)

var handlerTenant = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

// stubValidator accepts any token and returns claims for handlerTenant.
type stubValidator struct{}

func (stubValidator) ValidateToken(token string) (*auth.Claims, error) {
	if token == "bad" {
		return nil, errors.New("invalid token")
	}
	return &auth.Claims{ProjectID: handlerTenant.String(), SubjectType: auth.SubjectTypeAgent}, nil
}

func (stubValidator) Close() {}

// mockQueryService records the last raw body and returns canned results.
type mockQueryService struct {
	validation *models.ValidationResult
	explain    *services.ExplainOutcome
	execute    *services.ExecuteOutcome
	entity     *models.EntityMetadata
	err        error

	lastTenant uuid.UUID
	lastRaw    string
	lastCtx    context.Context
}

func (m *mockQueryService) Validate(ctx context.Context, tenantID uuid.UUID, raw []byte) (*models.ValidationResult, error) {
	m.lastCtx, m.lastTenant, m.lastRaw = ctx, tenantID, string(raw)
	return m.validation, m.err
}

func (m *mockQueryService) Explain(ctx context.Context, tenantID uuid.UUID, raw []byte) (*services.ExplainOutcome, error) {
	m.lastCtx, m.lastTenant, m.lastRaw = ctx, tenantID, string(raw)
	return m.explain, m.err
}

func (m *mockQueryService) Execute(ctx context.Context, tenantID uuid.UUID, raw []byte) (*services.ExecuteOutcome, error) {
	m.lastCtx, m.lastTenant, m.lastRaw = ctx, tenantID, string(raw)
	return m.execute, m.err
}

func (m *mockQueryService) DescribeEntity(_ context.Context, tenantID uuid.UUID, _ string) (*models.EntityMetadata, error) {
	m.lastTenant = tenantID
	return m.entity, m.err
}

func (m *mockQueryService) RefreshEntity(_ context.Context, tenantID uuid.UUID, _ string) (*models.EntityMetadata, error) {
	m.lastTenant = tenantID
	return m.entity, m.err
}

func (m *mockQueryService) Metrics() services.MetricsSnapshot {
	return services.MetricsSnapshot{TotalQueries: 7, QueriesByEntity: map[string]int64{"orders": 7}}
}

func (m *mockQueryService) Guardrails() models.QueryGuardrails {
	return models.DefaultQueryGuardrails()
}

func newQueryMux(svc services.QueryService) *http.ServeMux {
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(stubValidator{}, zap.NewNop()), zap.NewNop())
	mux := http.NewServeMux()
	NewQueryHandler(svc, zap.NewNop()).RegisterRoutes(mux, authMiddleware)
	return mux
}

func doRequest(mux *http.ServeMux, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode body %q: %v", rec.Body.String(), err)
	}
}

func projectPath(suffix string) string {
	return "/api/projects/" + handlerTenant.String() + suffix
}

const ordersQuery = `{"from":"orders","select":["o.id"],"limit":10}`

func TestQueryHandler_Validate(t *testing.T) {
	svc := &mockQueryService{validation: &models.ValidationResult{
		Valid:    false,
		Errors:   []models.ValidationError{{Code: models.ErrCodeUnknownEntity, Message: "unknown entity", Path: "from"}},
		Warnings: []models.ValidationWarning{},
	}}
	mux := newQueryMux(svc)

	rec := doRequest(mux, http.MethodPost, projectPath("/query/validate"), ordersQuery, "tok")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var body models.ValidationResult
	decodeBody(t, rec, &body)
	if body.Valid || len(body.Errors) != 1 || body.Errors[0].Code != models.ErrCodeUnknownEntity {
		t.Errorf("unexpected body: %+v", body)
	}
	if svc.lastTenant != handlerTenant {
		t.Errorf("tenant = %v, want %v", svc.lastTenant, handlerTenant)
	}
	if svc.lastRaw != ordersQuery {
		t.Errorf("raw body = %q, want %q", svc.lastRaw, ordersQuery)
	}
	if got := auth.GetSubjectTypeFromContext(svc.lastCtx); got != auth.SubjectTypeAgent {
		t.Errorf("subject type in context = %q, want agent", got)
	}
}

func TestQueryHandler_Validate_TooComplex(t *testing.T) {
	svc := &mockQueryService{err: &apperrors.QueryTooComplexError{Score: 140, Threshold: 100}}
	rec := doRequest(newQueryMux(svc), http.MethodPost, projectPath("/query/validate"), ordersQuery, "tok")

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	var body QueryTooComplexResponse
	decodeBody(t, rec, &body)
	if body.Error != "query_too_complex" || body.Score != 140 || body.Threshold != 100 {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestQueryHandler_EmptyBody(t *testing.T) {
	rec := doRequest(newQueryMux(&mockQueryService{}), http.MethodPost, projectPath("/query/validate"), "", "tok")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestQueryHandler_Explain(t *testing.T) {
	valid := &services.ExplainOutcome{
		Validation: models.ValidationResult{Valid: true, Errors: []models.ValidationError{}, Warnings: []models.ValidationWarning{}},
		Explain:    &models.ExplainResult{BaseEntity: "orders", BaseTable: "sales_orders", ComplexityScore: 12, ProjectedSQL: `SELECT "o"."id" FROM "sales_orders" AS "o" LIMIT 10`},
	}
	rec := doRequest(newQueryMux(&mockQueryService{explain: valid}), http.MethodPost, projectPath("/query/explain"), ordersQuery, "tok")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body services.ExplainOutcome
	decodeBody(t, rec, &body)
	if body.Explain == nil || body.Explain.BaseTable != "sales_orders" || body.Explain.ComplexityScore != 12 {
		t.Errorf("unexpected explain: %+v", body.Explain)
	}

	invalid := &services.ExplainOutcome{Validation: models.ValidationResult{
		Errors: []models.ValidationError{{Code: models.ErrCodeJoinNotAllowed, Path: "joins[0]"}},
	}}
	rec = doRequest(newQueryMux(&mockQueryService{explain: invalid}), http.MethodPost, projectPath("/query/explain"), ordersQuery, "tok")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	var result models.ValidationResult
	decodeBody(t, rec, &result)
	if len(result.Errors) != 1 || result.Errors[0].Code != models.ErrCodeJoinNotAllowed {
		t.Errorf("unexpected validation body: %+v", result)
	}
}

func TestQueryHandler_Execute(t *testing.T) {
	tests := []struct {
		name       string
		svc        *mockQueryService
		wantStatus int
		wantCode   string
	}{
		{
			name:       "no executor",
			svc:        &mockQueryService{err: apperrors.ErrExecutorMissing},
			wantStatus: http.StatusNotImplemented,
			wantCode:   "not_implemented",
		},
		{
			name:       "timeout",
			svc:        &mockQueryService{err: &apperrors.ExecutionError{Kind: apperrors.ExecutionKindTimeout, Err: context.DeadlineExceeded}},
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "query_timeout",
		},
		{
			name:       "connectivity",
			svc:        &mockQueryService{err: &apperrors.ExecutionError{Kind: apperrors.ExecutionKindConnectivity, Err: errors.New("connection refused")}},
			wantStatus: http.StatusBadGateway,
			wantCode:   "datasource_unavailable",
		},
		{
			name:       "execution",
			svc:        &mockQueryService{err: &apperrors.ExecutionError{Kind: apperrors.ExecutionKindExecution, Err: errors.New("syntax error at or near")}},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "execution_failed",
		},
		{
			name:       "invalid query",
			svc:        &mockQueryService{execute: &services.ExecuteOutcome{Validation: models.ValidationResult{Errors: []models.ValidationError{{Code: models.ErrCodeMaxLimitExceeded}}}}},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name: "success",
			svc: &mockQueryService{execute: &services.ExecuteOutcome{
				Validation: models.ValidationResult{Valid: true},
				Result:     &services.QueryRows{Columns: []string{"o.id"}, Rows: [][]any{{"1"}}, RowCount: 1},
			}},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(newQueryMux(tt.svc), http.MethodPost, projectPath("/query/execute"), ordersQuery, "tok")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" {
				var body map[string]string
				decodeBody(t, rec, &body)
				if body["error"] != tt.wantCode {
					t.Errorf("error = %q, want %q", body["error"], tt.wantCode)
				}
			}
		})
	}
}

func TestQueryHandler_Entities(t *testing.T) {
	entity := &models.EntityMetadata{Name: "orders", TableName: "sales_orders", Fields: []string{"id"}}

	rec := doRequest(newQueryMux(&mockQueryService{entity: entity}), http.MethodGet, projectPath("/entities/orders"), "", "tok")
	if rec.Code != http.StatusOK {
		t.Fatalf("describe status = %d, want 200", rec.Code)
	}
	var got models.EntityMetadata
	decodeBody(t, rec, &got)
	if got.TableName != "sales_orders" {
		t.Errorf("table = %q, want sales_orders", got.TableName)
	}

	rec = doRequest(newQueryMux(&mockQueryService{err: apperrors.ErrNotFound}), http.MethodGet, projectPath("/entities/nope"), "", "tok")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing entity status = %d, want 404", rec.Code)
	}

	rec = doRequest(newQueryMux(&mockQueryService{entity: entity}), http.MethodPost, projectPath("/entities/orders/refresh"), "", "tok")
	if rec.Code != http.StatusOK {
		t.Errorf("refresh status = %d, want 200", rec.Code)
	}

	rec = doRequest(newQueryMux(&mockQueryService{err: apperrors.ErrRefreshUnsupported}), http.MethodPost, projectPath("/entities/orders/refresh"), "", "tok")
	if rec.Code != http.StatusConflict {
		t.Errorf("static refresh status = %d, want 409", rec.Code)
	}
}

func TestQueryHandler_Metrics(t *testing.T) {
	mux := newQueryMux(&mockQueryService{})

	rec := doRequest(mux, http.MethodGet, "/api/query/metrics", "", "tok")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap services.MetricsSnapshot
	decodeBody(t, rec, &snap)
	if snap.TotalQueries != 7 || snap.QueriesByEntity["orders"] != 7 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	rec = doRequest(mux, http.MethodGet, "/api/query/guardrails", "", "tok")
	if rec.Code != http.StatusOK {
		t.Fatalf("guardrails status = %d, want 200", rec.Code)
	}
	var g models.QueryGuardrails
	decodeBody(t, rec, &g)
	if g.MaxJoins != 3 || g.MaxLimit != 200 {
		t.Errorf("unexpected guardrails: %+v", g)
	}
}

func TestQueryHandler_Auth(t *testing.T) {
	mux := newQueryMux(&mockQueryService{validation: &models.ValidationResult{Valid: true}})

	rec := doRequest(mux, http.MethodPost, projectPath("/query/validate"), ordersQuery, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", rec.Code)
	}

	rec = doRequest(mux, http.MethodPost, projectPath("/query/validate"), ordersQuery, "bad")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", rec.Code)
	}

	other := "/api/projects/" + uuid.NewString() + "/query/validate"
	rec = doRequest(mux, http.MethodPost, other, ordersQuery, "tok")
	if rec.Code != http.StatusForbidden {
		t.Errorf("other project status = %d, want 403", rec.Code)
	}

	rec = doRequest(mux, http.MethodGet, "/api/query/metrics", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("metrics without token status = %d, want 401", rec.Code)
	}
}

func TestQueryHandler_UnverifiedTokensInDevMode(t *testing.T) {
	jwks, err := auth.NewJWKSClient(context.Background(), &auth.JWKSConfig{EnableVerification: false})
	if err != nil {
		t.Fatalf("NewJWKSClient failed: %v", err)
	}
	defer jwks.Close()

	svc := &mockQueryService{validation: &models.ValidationResult{Valid: true, Errors: []models.ValidationError{}, Warnings: []models.ValidationWarning{}}}
	mux := http.NewServeMux()
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(jwks, zap.NewNop()), zap.NewNop())
	NewQueryHandler(svc, zap.NewNop()).RegisterRoutes(mux, authMiddleware)

	token := testhelpers.GenerateTestJWT("agent-1", handlerTenant.String(), auth.SubjectTypeAgent)
	rec := doRequest(mux, http.MethodPost, projectPath("/query/validate"), ordersQuery, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := auth.GetSubjectTypeFromContext(svc.lastCtx); got != auth.SubjectTypeAgent {
		t.Errorf("expected subject type agent, got %q", got)
	}

	other := testhelpers.GenerateTestJWT("agent-1", uuid.NewString(), auth.SubjectTypeAgent)
	rec = doRequest(mux, http.MethodPost, projectPath("/query/validate"), ordersQuery, other)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another project's token, got %d", rec.Code)
	}
}
