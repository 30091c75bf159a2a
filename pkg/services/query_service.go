package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/audit"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/auth"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/logging"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/retry"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/sql"
)

// QueryRows is what an executor returns for a planned query.
type QueryRows struct {
	Columns     []string `json:"columns"`
	Rows        [][]any  `json:"rows"`
	RowCount    int      `json:"rowCount"`
	TotalCount  *int64   `json:"totalCount,omitempty"`
	UsedReplica bool     `json:"usedReplica"`
}

// QueryExecutor runs a validated plan. Implementations live outside this
// repository; the service only needs the contract.
type QueryExecutor interface {
	Execute(ctx context.Context, tenantID uuid.UUID, plan *models.JoinPlan, query *models.QueryRequest) (*QueryRows, error)
}

// ExplainOutcome is the result of Explain. Explain is nil when the request is
// invalid.
type ExplainOutcome struct {
	Validation models.ValidationResult `json:"validation"`
	Explain    *models.ExplainResult   `json:"explain,omitempty"`
}

// ExecuteOutcome is the result of Execute. Result is nil when the request is
// invalid.
type ExecuteOutcome struct {
	Validation models.ValidationResult `json:"validation"`
	Result     *QueryRows              `json:"result,omitempty"`
}

// QueryService runs the request pipeline: complexity pre-check, decode, shape
// validation, planning and, for Execute, the executor.
type QueryService interface {
	// Validate plans the request and reports the outcome. The error is non-nil
	// only for rejections that happen before planning (QueryTooComplexError).
	Validate(ctx context.Context, tenantID uuid.UUID, raw []byte) (*models.ValidationResult, error)

	// Explain plans the request and describes the joins and SQL it would run.
	Explain(ctx context.Context, tenantID uuid.UUID, raw []byte) (*ExplainOutcome, error)

	// Execute plans the request and hands a valid plan to the executor.
	// Executor failures are returned as *apperrors.ExecutionError.
	Execute(ctx context.Context, tenantID uuid.UUID, raw []byte) (*ExecuteOutcome, error)

	// DescribeEntity returns an entity's metadata or apperrors.ErrNotFound.
	DescribeEntity(ctx context.Context, tenantID uuid.UUID, name string) (*models.EntityMetadata, error)

	// RefreshEntity reloads an entity when the registry caches metadata.
	RefreshEntity(ctx context.Context, tenantID uuid.UUID, name string) (*models.EntityMetadata, error)

	// Metrics returns a snapshot of the observer's metrics sink.
	Metrics() MetricsSnapshot

	Guardrails() models.QueryGuardrails
}

type queryService struct {
	registry  RelationshipRegistry
	planner   JoinPlanner
	scorer    *ComplexityScorer
	observer  *QueryObserver
	projector *SQLProjector
	executor  QueryExecutor
	auditor   *audit.SecurityAuditor
	logger    *zap.Logger
}

// QueryServiceOption configures optional collaborators of the query service.
type QueryServiceOption func(*queryService)

// WithSecurityAuditor reports injection findings and complexity rejections to
// the security audit log.
func WithSecurityAuditor(auditor *audit.SecurityAuditor) QueryServiceOption {
	return func(s *queryService) {
		s.auditor = auditor
	}
}

// NewQueryService wires the pipeline. executor may be nil, in which case
// Execute returns apperrors.ErrExecutorMissing.
func NewQueryService(
	registry RelationshipRegistry,
	planner JoinPlanner,
	scorer *ComplexityScorer,
	observer *QueryObserver,
	executor QueryExecutor,
	logger *zap.Logger,
	opts ...QueryServiceOption,
) QueryService {
	s := &queryService{
		registry:  registry,
		planner:   planner,
		scorer:    scorer,
		observer:  observer,
		projector: NewSQLProjector(),
		executor:  executor,
		logger:    logger.Named("query-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ QueryService = (*queryService)(nil)

// preparedQuery carries one request through the pipeline.
type preparedQuery struct {
	query  *models.QueryRequest
	result *models.PlanResult
	score  int
	trace  *QueryTrace
	ctx    context.Context
}

func (s *queryService) Validate(ctx context.Context, tenantID uuid.UUID, raw []byte) (*models.ValidationResult, error) {
	pq, err := s.prepare(ctx, tenantID, raw)
	if err != nil {
		return nil, err
	}
	if pq.result.Validation.Valid {
		s.observer.OnQueryPlanned(pq.trace)
	}
	return &pq.result.Validation, nil
}

func (s *queryService) Explain(ctx context.Context, tenantID uuid.UUID, raw []byte) (*ExplainOutcome, error) {
	pq, err := s.prepare(ctx, tenantID, raw)
	if err != nil {
		return nil, err
	}
	out := &ExplainOutcome{Validation: pq.result.Validation}
	if !pq.result.Validation.Valid {
		return out, nil
	}

	explain := models.NewExplainResult(pq.result.Plan)
	explain.ComplexityScore = pq.score
	explain.Warnings = out.Validation.Warnings

	projected, err := s.projector.Project(pq.result.Plan, pq.query)
	if err != nil {
		// The plan is still returned, without SQL.
		s.logger.Warn("Failed to project SQL",
			zap.String("tenant_id", tenantID.String()),
			zap.String("entity", pq.query.From),
			zap.Error(err))
	} else {
		explain.ProjectedSQL = projected.SQL
		explain.ProjectedArgs = projected.Args
	}

	s.observer.OnQueryPlanned(pq.trace)
	out.Explain = explain
	return out, nil
}

func (s *queryService) Execute(ctx context.Context, tenantID uuid.UUID, raw []byte) (*ExecuteOutcome, error) {
	if s.executor == nil {
		return nil, apperrors.ErrExecutorMissing
	}

	pq, err := s.prepare(ctx, tenantID, raw)
	if err != nil {
		return nil, err
	}
	out := &ExecuteOutcome{Validation: pq.result.Validation}
	if !pq.result.Validation.Valid {
		return out, nil
	}

	execCtx := pq.ctx
	if opts := pq.query.Options; opts != nil && opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, time.Duration(opts.Timeout)*time.Millisecond)
		defer cancel()
	}

	rows, err := s.executor.Execute(execCtx, tenantID, pq.result.Plan, pq.query)
	if err != nil {
		execErr := &apperrors.ExecutionError{Kind: classifyExecutionError(execCtx, err), Err: err}
		s.observer.OnQueryError(pq.trace, execErr.Kind, err)
		return nil, execErr
	}
	if rows == nil {
		rows = &QueryRows{Columns: []string{}, Rows: [][]any{}}
	}

	s.observer.OnQueryComplete(pq.trace, QueryOutcome{RowCount: rows.RowCount, UsedReplica: rows.UsedReplica})
	out.Result = rows
	return out, nil
}

func (s *queryService) DescribeEntity(ctx context.Context, tenantID uuid.UUID, name string) (*models.EntityMetadata, error) {
	entity, ok := s.registry.GetEntity(ctx, tenantID, name)
	if !ok {
		return nil, fmt.Errorf("entity %q: %w", name, apperrors.ErrNotFound)
	}
	return entity, nil
}

func (s *queryService) RefreshEntity(ctx context.Context, tenantID uuid.UUID, name string) (*models.EntityMetadata, error) {
	refreshable, ok := s.registry.(RefreshableRegistry)
	if !ok {
		return nil, apperrors.ErrRefreshUnsupported
	}
	entity, ok := refreshable.RefreshEntity(ctx, tenantID, name)
	if !ok {
		return nil, fmt.Errorf("entity %q: %w", name, apperrors.ErrNotFound)
	}
	s.logger.Info("Refreshed entity metadata",
		zap.String("tenant_id", tenantID.String()),
		zap.String("entity", name))
	return entity, nil
}

func (s *queryService) Metrics() MetricsSnapshot {
	if m := s.observer.Metrics(); m != nil {
		return m.Snapshot()
	}
	return MetricsSnapshot{TakenAt: time.Now()}
}

func (s *queryService) Guardrails() models.QueryGuardrails {
	return s.planner.Guardrails()
}

// prepare runs everything up to and including planning. Invalid requests come
// back with a terminal observer hook already applied; valid ones leave the
// trace open for the caller.
func (s *queryService) prepare(ctx context.Context, tenantID uuid.UUID, raw []byte) (*preparedQuery, error) {
	score := s.scorer.ScoreRaw(raw)

	var query models.QueryRequest
	decodeErr := json.Unmarshal(raw, &query)

	ctx, trace := s.observer.OnQueryStart(ctx, QueryContext{
		TenantID:    tenantID.String(),
		Entity:      query.From,
		SubjectType: auth.GetSubjectTypeFromContext(ctx),
		RequestID:   logging.RequestIDFromContext(ctx),
	})
	pq := &preparedQuery{query: &query, score: score, trace: trace, ctx: ctx}

	if err := s.scorer.Check(score); err != nil {
		s.observer.OnValidationFailure(trace, &models.ValidationResult{
			Errors: []models.ValidationError{{Code: models.ErrCodeQueryTooComplex, Message: err.Error()}},
		})
		if s.auditor != nil {
			s.auditor.LogComplexityRejection(ctx, tenantID, audit.ComplexityDetails{Score: score, Threshold: s.scorer.Threshold})
		}
		return nil, err
	}

	if decodeErr != nil {
		pq.result = invalidResult(models.ValidationError{
			Code:    models.ErrCodeSyntaxError,
			Message: fmt.Sprintf("request is not a valid query: %v", decodeErr),
		})
		s.observer.OnValidationFailure(trace, &pq.result.Validation)
		return pq, nil
	}

	if shapeErrs := models.ValidateShape(&query); len(shapeErrs) > 0 {
		pq.result = invalidResult(shapeErrs...)
		s.observer.OnValidationFailure(trace, &pq.result.Validation)
		return pq, nil
	}

	pq.result = s.planner.PlanJoins(ctx, &query, tenantID)
	if !pq.result.Validation.Valid {
		s.observer.OnValidationFailure(trace, &pq.result.Validation)
		return pq, nil
	}
	s.observer.OnJoinPlanComplete(trace, pq.result.Plan)

	for _, finding := range sql.CheckFilterValues(query.Where) {
		pq.result.Validation.Warnings = append(pq.result.Validation.Warnings, models.ValidationWarning{
			Code:    models.WarnCodePossibleInjection,
			Message: fmt.Sprintf("value compared with %s looks like SQL (%s); it is bound as a parameter", finding.Field, finding.Fingerprint),
			Path:    finding.Path,
		})
		if s.auditor != nil {
			s.auditor.LogInjectionFinding(ctx, tenantID, audit.InjectionDetails{
				Entity:      query.From,
				Field:       finding.Field,
				Path:        finding.Path,
				Fingerprint: finding.Fingerprint,
				ValueHash:   audit.HashValue(finding.Value),
			})
		}
	}
	pq.result.Plan.Warnings = pq.result.Validation.Warnings

	return pq, nil
}

func invalidResult(errs ...models.ValidationError) *models.PlanResult {
	return &models.PlanResult{
		Validation: models.ValidationResult{
			Valid:    false,
			Errors:   errs,
			Warnings: []models.ValidationWarning{},
		},
	}
}

// classifyExecutionError maps an executor failure onto an execution kind.
func classifyExecutionError(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.ExecutionKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return apperrors.ExecutionKindTimeout
		}
		return apperrors.ExecutionKindConnectivity
	}
	if retry.IsRetryable(err) {
		return apperrors.ExecutionKindConnectivity
	}
	return apperrors.ExecutionKindExecution
}
