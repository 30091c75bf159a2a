package services

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/logging"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

// DefaultSlowQueryThreshold is the duration above which a completed query is
// logged and counted as slow.
const DefaultSlowQueryThreshold = time.Second

// QuerySpanName is the name of the span opened for every query.
const QuerySpanName = "crossquery.query"

// QueryContext identifies the query being observed.
type QueryContext struct {
	TenantID    string
	Entity      string
	SubjectType string
	RequestID   string
}

// QueryOutcome describes a successfully completed query.
type QueryOutcome struct {
	RowCount    int
	UsedReplica bool
}

// QueryTrace follows one query from start to a terminal hook. Exactly one
// terminal hook takes effect; later calls are ignored.
type QueryTrace struct {
	qc    QueryContext
	span  trace.Span
	start time.Time

	joinCount  int
	joinDepth  int
	fieldCount int

	endOnce sync.Once
}

// QueryObserver turns query lifecycle events into spans, metrics samples and
// log lines.
type QueryObserver struct {
	tracer        trace.Tracer
	metrics       QueryMetrics
	slowThreshold time.Duration
	logger        *zap.Logger
}

// NewQueryObserver creates an observer. A nil tracer disables tracing; a nil
// metrics sink disables sampling.
func NewQueryObserver(tracer trace.Tracer, metrics QueryMetrics, slowThreshold time.Duration, logger *zap.Logger) *QueryObserver {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("crossquery")
	}
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowQueryThreshold
	}
	return &QueryObserver{
		tracer:        tracer,
		metrics:       metrics,
		slowThreshold: slowThreshold,
		logger:        logger.Named("query-observer"),
	}
}

// OnQueryStart opens the query span.
func (o *QueryObserver) OnQueryStart(ctx context.Context, qc QueryContext) (context.Context, *QueryTrace) {
	ctx, span := o.tracer.Start(ctx, QuerySpanName, trace.WithAttributes(
		attribute.String("crossquery.entity", qc.Entity),
		attribute.String("crossquery.tenant_id", qc.TenantID),
		attribute.String("crossquery.subject_type", qc.SubjectType),
	))
	if qc.RequestID != "" {
		span.SetAttributes(attribute.String("crossquery.request_id", qc.RequestID))
	}
	return ctx, &QueryTrace{qc: qc, span: span, start: time.Now()}
}

// OnJoinPlanComplete records the shape of a valid plan on the trace.
func (o *QueryObserver) OnJoinPlanComplete(t *QueryTrace, plan *models.JoinPlan) {
	if t == nil || plan == nil {
		return
	}
	t.joinCount = len(plan.Joins)
	t.joinDepth = plan.MaxDepth
	t.fieldCount = 0
	for _, node := range plan.JoinGraph.Nodes {
		t.fieldCount += len(node.Fields)
	}
	t.span.SetAttributes(
		attribute.Int("crossquery.join_count", t.joinCount),
		attribute.Int("crossquery.join_depth", t.joinDepth),
		attribute.Int("crossquery.field_count", t.fieldCount),
	)
}

// OnQueryComplete records a successful query and ends the span.
func (o *QueryObserver) OnQueryComplete(t *QueryTrace, outcome QueryOutcome) {
	if t == nil {
		return
	}
	t.endOnce.Do(func() {
		duration := time.Since(t.start)
		if o.metrics != nil {
			o.metrics.RecordQuery(QuerySample{
				Entity:      t.qc.Entity,
				TenantID:    t.qc.TenantID,
				SubjectType: t.qc.SubjectType,
				JoinCount:   t.joinCount,
				JoinDepth:   t.joinDepth,
				FieldCount:  t.fieldCount,
				RowCount:    outcome.RowCount,
				UsedReplica: outcome.UsedReplica,
				Duration:    duration,
			})
		}
		if duration > o.slowThreshold {
			if o.metrics != nil {
				o.metrics.RecordSlowQuery()
			}
			o.logger.Warn("Slow query",
				zap.String("tenant_id", t.qc.TenantID),
				zap.String("entity", t.qc.Entity),
				zap.Int("joins", t.joinCount),
				zap.Int("rows", outcome.RowCount),
				zap.Duration("duration", duration),
				zap.Duration("threshold", o.slowThreshold))
		}

		t.span.SetAttributes(
			attribute.Int("crossquery.row_count", outcome.RowCount),
			attribute.Bool("crossquery.used_replica", outcome.UsedReplica),
		)
		t.span.SetStatus(codes.Ok, "")
		t.span.End()
	})
}

// OnQueryPlanned ends the span of a request that was only planned (validate or
// explain). No metrics sample is recorded since nothing was executed.
func (o *QueryObserver) OnQueryPlanned(t *QueryTrace) {
	if t == nil {
		return
	}
	t.endOnce.Do(func() {
		t.span.SetStatus(codes.Ok, "")
		t.span.End()
	})
}

// OnValidationFailure records the failing error codes and ends the span.
func (o *QueryObserver) OnValidationFailure(t *QueryTrace, result *models.ValidationResult) {
	if t == nil {
		return
	}
	t.endOnce.Do(func() {
		var codesSeen []string
		if result != nil {
			codesSeen = result.ErrorCodes()
		}
		if o.metrics != nil {
			o.metrics.RecordValidationFailure(ValidationFailureSample{
				Entity:   t.qc.Entity,
				TenantID: t.qc.TenantID,
				Codes:    codesSeen,
			})
		}
		o.logger.Debug("Query failed validation",
			zap.String("tenant_id", t.qc.TenantID),
			zap.String("entity", t.qc.Entity),
			zap.Strings("codes", codesSeen))

		t.span.SetAttributes(attribute.StringSlice("crossquery.error_codes", codesSeen))
		t.span.SetStatus(codes.Error, "validation failed")
		t.span.End()
	})
}

// OnQueryError records a planning or execution failure and ends the span.
func (o *QueryObserver) OnQueryError(t *QueryTrace, kind string, err error) {
	if t == nil {
		return
	}
	t.endOnce.Do(func() {
		duration := time.Since(t.start)
		msg := ""
		if err != nil {
			msg = logging.SanitizeError(err)
		}
		if o.metrics != nil {
			o.metrics.RecordError(QueryErrorSample{
				Entity:   t.qc.Entity,
				TenantID: t.qc.TenantID,
				Kind:     kind,
				Message:  msg,
				Duration: duration,
			})
		}
		o.logger.Error("Query failed",
			zap.String("tenant_id", t.qc.TenantID),
			zap.String("entity", t.qc.Entity),
			zap.String("kind", kind),
			zap.String("error", msg),
			zap.Duration("duration", duration))

		if err != nil {
			t.span.RecordError(err)
		}
		t.span.SetAttributes(attribute.String("crossquery.error_kind", kind))
		t.span.SetStatus(codes.Error, kind)
		t.span.End()
	})
}

// Metrics returns the sink the observer writes to, which may be nil.
func (o *QueryObserver) Metrics() QueryMetrics {
	return o.metrics
}
