// Package audit provides security audit logging for SIEM consumption.
// Events are emitted as structured log entries under a dedicated logger name
// so they can be routed and alerted on separately from application logs.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/auth"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/logging"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventPossibleInjection is logged when a filter value matches a SQL injection pattern.
	EventPossibleInjection SecurityEventType = "possible_sql_injection"
	// EventComplexityRejection is logged when a request is rejected before planning.
	EventComplexityRejection SecurityEventType = "query_complexity_rejection"
)

// Severity levels attached to events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// SecurityEvent is the JSON document written for every audited event.
type SecurityEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   SecurityEventType `json:"event_type"`
	ProjectID   uuid.UUID         `json:"project_id"`
	RequestID   string            `json:"request_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	SubjectType string            `json:"subject_type,omitempty"`
	Details     any               `json:"details"`
	Severity    string            `json:"severity"`
}

// InjectionDetails describes one suspicious filter value. The raw value is
// never logged; ValueHash lets repeated payloads be correlated.
type InjectionDetails struct {
	Entity      string `json:"entity"`
	Field       string `json:"field"`
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	ValueHash   string `json:"value_hash"`
}

// ComplexityDetails describes a request rejected for exceeding the complexity threshold.
type ComplexityDetails struct {
	Score     int `json:"score"`
	Threshold int `json:"threshold"`
}

// SecurityAuditor logs security events for SIEM consumption.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates an auditor logging under the "security_audit" name.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogInjectionFinding records a filter value that libinjection flagged. Values
// are always bound as parameters, so this is a warning rather than a blocked
// attack.
func (a *SecurityAuditor) LogInjectionFinding(ctx context.Context, projectID uuid.UUID, details InjectionDetails) {
	event := a.newEvent(ctx, EventPossibleInjection, projectID, details, SeverityWarning)

	a.logger.Warn("Possible SQL injection in filter value",
		zap.String("event_json", marshalEvent(event)),
		zap.String("project_id", projectID.String()),
		zap.String("entity", details.Entity),
		zap.String("field", details.Field),
		zap.String("path", details.Path),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("user_id", event.UserID),
		zap.String("request_id", event.RequestID),
		zap.String("severity", event.Severity),
	)
}

// LogComplexityRejection records a request rejected by the complexity pre-check.
func (a *SecurityAuditor) LogComplexityRejection(ctx context.Context, projectID uuid.UUID, details ComplexityDetails) {
	event := a.newEvent(ctx, EventComplexityRejection, projectID, details, SeverityInfo)

	a.logger.Info("Query rejected as too complex",
		zap.String("event_json", marshalEvent(event)),
		zap.String("project_id", projectID.String()),
		zap.Int("score", details.Score),
		zap.Int("threshold", details.Threshold),
		zap.String("user_id", event.UserID),
		zap.String("request_id", event.RequestID),
		zap.String("severity", event.Severity),
	)
}

func (a *SecurityAuditor) newEvent(ctx context.Context, eventType SecurityEventType, projectID uuid.UUID, details any, severity string) SecurityEvent {
	return SecurityEvent{
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		ProjectID:   projectID,
		RequestID:   logging.RequestIDFromContext(ctx),
		UserID:      auth.GetUserIDFromContext(ctx),
		SubjectType: auth.GetSubjectTypeFromContext(ctx),
		Details:     details,
		Severity:    severity,
	}
}

// Marshaling these known types cannot fail.
func marshalEvent(event SecurityEvent) string {
	b, _ := json.Marshal(event)
	return string(b)
}

// HashValue returns a short, stable digest of a filter value.
func HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return "sha256:" + hex.EncodeToString(sum[:8])
}
