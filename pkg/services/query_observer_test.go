package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

func newRecordingObserver(t *testing.T, slow time.Duration) (*QueryObserver, *tracetest.SpanRecorder, *InMemoryQueryMetrics, *observer.ObservedLogs) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	core, logs := observer.New(zapcore.DebugLevel)
	metrics := NewInMemoryQueryMetrics(100, 50)
	obs := NewQueryObserver(provider.Tracer("test"), metrics, slow, zap.New(core))
	return obs, recorder, metrics, logs
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func testPlan() *models.JoinPlan {
	return &models.JoinPlan{
		BaseEntity: "orders",
		BaseAlias:  "o",
		Joins: []models.PlannedJoin{
			{TargetEntity: "customers", Depth: 1},
			{TargetEntity: "regions", Depth: 2},
		},
		JoinGraph: models.JoinGraph{Nodes: []models.JoinGraphNode{
			{Alias: "o", Fields: []string{"id", "total"}},
			{Alias: "c", Fields: []string{"name"}},
			{Alias: "r", Fields: []string{}},
		}},
		MaxDepth: 2,
	}
}

func TestQueryObserver_Complete(t *testing.T) {
	obs, recorder, metrics, logs := newRecordingObserver(t, time.Hour)

	_, tr := obs.OnQueryStart(context.Background(), QueryContext{
		TenantID:    testTenantID.String(),
		Entity:      "orders",
		SubjectType: "user",
	})
	obs.OnJoinPlanComplete(tr, testPlan())
	obs.OnQueryComplete(tr, QueryOutcome{RowCount: 7, UsedReplica: true})

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, QuerySpanName, span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)

	v, ok := spanAttr(span, "crossquery.entity")
	require.True(t, ok)
	assert.Equal(t, "orders", v.AsString())
	v, _ = spanAttr(span, "crossquery.join_count")
	assert.Equal(t, int64(2), v.AsInt64())
	v, _ = spanAttr(span, "crossquery.join_depth")
	assert.Equal(t, int64(2), v.AsInt64())
	v, _ = spanAttr(span, "crossquery.row_count")
	assert.Equal(t, int64(7), v.AsInt64())

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.TotalQueries)
	assert.Equal(t, int64(0), snap.SlowQueries)
	assert.InDelta(t, 2, snap.AvgJoinCount, 0.0001)
	assert.InDelta(t, 3, snap.AvgFieldCount, 0.0001)
	assert.Equal(t, 0, logs.FilterMessage("Slow query").Len())
}

func TestQueryObserver_SlowQuery(t *testing.T) {
	obs, _, metrics, logs := newRecordingObserver(t, time.Millisecond)

	_, tr := obs.OnQueryStart(context.Background(), QueryContext{Entity: "orders"})
	time.Sleep(5 * time.Millisecond)
	obs.OnQueryComplete(tr, QueryOutcome{RowCount: 1})

	assert.Equal(t, int64(1), metrics.Snapshot().SlowQueries)
	slow := logs.FilterMessage("Slow query")
	require.Equal(t, 1, slow.Len())
	assert.Equal(t, zapcore.WarnLevel, slow.All()[0].Level)
}

func TestQueryObserver_ValidationFailure(t *testing.T) {
	obs, recorder, metrics, _ := newRecordingObserver(t, time.Hour)

	_, tr := obs.OnQueryStart(context.Background(), QueryContext{Entity: "orders"})
	obs.OnValidationFailure(tr, &models.ValidationResult{
		Errors: []models.ValidationError{
			{Code: models.ErrCodeUnknownField, Message: "entity orders has no field \"x\"", Path: "select[0]"},
			{Code: models.ErrCodeUnknownField, Message: "entity orders has no field \"y\"", Path: "select[1]"},
			{Code: models.ErrCodeJoinNotAllowed, Path: "joins[0]"},
		},
	})

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.TotalValidationFailures)
	assert.Equal(t, map[string]int64{
		models.ErrCodeUnknownField:   1,
		models.ErrCodeJoinNotAllowed: 1,
	}, snap.ValidationFailuresByCode)
	assert.Equal(t, int64(0), snap.TotalQueries)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestQueryObserver_Error(t *testing.T) {
	obs, recorder, metrics, logs := newRecordingObserver(t, time.Hour)

	_, tr := obs.OnQueryStart(context.Background(), QueryContext{Entity: "orders"})
	obs.OnQueryError(tr, "timeout", errors.New("statement timeout"))

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.TotalErrors)
	assert.Equal(t, map[string]int64{"timeout": 1}, snap.ErrorsByType)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)

	assert.Equal(t, 1, logs.FilterMessage("Query failed").Len())
}

func TestQueryObserver_EndsSpanOnce(t *testing.T) {
	obs, recorder, metrics, _ := newRecordingObserver(t, time.Hour)

	_, tr := obs.OnQueryStart(context.Background(), QueryContext{Entity: "orders"})
	obs.OnQueryError(tr, "execution", errors.New("boom"))
	obs.OnQueryComplete(tr, QueryOutcome{})
	obs.OnValidationFailure(tr, &models.ValidationResult{})
	obs.OnQueryError(tr, "execution", errors.New("boom again"))

	assert.Len(t, recorder.Ended(), 1)
	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.TotalErrors)
	assert.Equal(t, int64(0), snap.TotalQueries)
	assert.Equal(t, int64(0), snap.TotalValidationFailures)
}

func TestQueryObserver_NilSafety(t *testing.T) {
	obs := NewQueryObserver(nil, nil, 0, zap.NewNop())
	assert.Equal(t, DefaultSlowQueryThreshold, obs.slowThreshold)

	assert.NotPanics(t, func() {
		obs.OnJoinPlanComplete(nil, testPlan())
		obs.OnQueryComplete(nil, QueryOutcome{})
		obs.OnValidationFailure(nil, nil)
		obs.OnQueryError(nil, "execution", nil)

		_, tr := obs.OnQueryStart(context.Background(), QueryContext{Entity: "orders"})
		obs.OnJoinPlanComplete(tr, nil)
		obs.OnValidationFailure(tr, nil)
	})
}
