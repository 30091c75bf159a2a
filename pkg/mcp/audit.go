package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/auth"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/logging"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

// Security levels attached to audit entries.
const (
	SecurityNormal   = "normal"
	SecurityWarning  = "warning"
	SecurityCritical = "critical"
)

// AuditEvent is one audited tool call.
type AuditEvent struct {
	Tool          string
	ProjectID     string
	Subject       string
	SubjectType   string
	RequestID     string
	Params        map[string]any
	Successful    bool
	ErrorMessage  string
	Duration      time.Duration
	SecurityLevel string
	SecurityFlags []string
}

// AuditLogger writes a structured audit line for every MCP tool call.
type AuditLogger struct {
	logger *zap.Logger

	// startTimes tracks when tool calls begin, keyed by JSON-RPC request ID.
	startTimes sync.Map
}

// NewAuditLogger creates an AuditLogger.
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	return &AuditLogger{logger: logger.Named("mcp-audit")}
}

// Hooks returns mcp-go hooks that capture tool call events.
func (a *AuditLogger) Hooks() *server.Hooks {
	hooks := &server.Hooks{}
	hooks.AddBeforeCallTool(a.beforeCallTool)
	hooks.AddAfterCallTool(a.afterCallTool)
	hooks.AddOnError(a.onError)
	return hooks
}

func (a *AuditLogger) beforeCallTool(_ context.Context, id any, _ *mcplib.CallToolRequest) {
	a.startTimes.Store(id, time.Now())
}

func (a *AuditLogger) afterCallTool(ctx context.Context, id any, req *mcplib.CallToolRequest, result *mcplib.CallToolResult) {
	event := a.buildEvent(ctx, id, req)
	event.Successful = result == nil || !result.IsError
	classifyToolResult(event, result)
	a.record(event)
}

func (a *AuditLogger) onError(ctx context.Context, id any, method mcplib.MCPMethod, message any, err error) {
	if method != mcplib.MethodToolsCall {
		return
	}
	req, ok := message.(*mcplib.CallToolRequest)
	if !ok {
		return
	}

	event := a.buildEvent(ctx, id, req)
	event.Successful = false
	event.ErrorMessage = logging.SanitizeError(err)
	a.record(event)
}

func (a *AuditLogger) buildEvent(ctx context.Context, id any, req *mcplib.CallToolRequest) *AuditEvent {
	start := time.Now()
	if v, ok := a.startTimes.LoadAndDelete(id); ok {
		start = v.(time.Time)
	}

	event := &AuditEvent{
		Tool:          req.Params.Name,
		Params:        sanitizeParams(req.Params.Arguments),
		RequestID:     logging.RequestIDFromContext(ctx),
		Duration:      time.Since(start),
		SecurityLevel: SecurityNormal,
	}
	if claims, ok := auth.GetClaims(ctx); ok {
		event.ProjectID = claims.ProjectID
		event.Subject = claims.Subject
		event.SubjectType = claims.SubjectType
	}
	return event
}

func (a *AuditLogger) record(event *AuditEvent) {
	fields := []zap.Field{
		zap.String("tool", event.Tool),
		zap.String("project_id", event.ProjectID),
		zap.String("subject", event.Subject),
		zap.String("subject_type", event.SubjectType),
		zap.Bool("successful", event.Successful),
		zap.Duration("duration", event.Duration),
		zap.String("security_level", event.SecurityLevel),
		zap.Any("params", event.Params),
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	if len(event.SecurityFlags) > 0 {
		fields = append(fields, zap.Strings("security_flags", event.SecurityFlags))
	}
	if event.ErrorMessage != "" {
		fields = append(fields, zap.String("error", event.ErrorMessage))
	}

	switch event.SecurityLevel {
	case SecurityCritical, SecurityWarning:
		a.logger.Warn("MCP tool call", fields...)
	default:
		a.logger.Info("MCP tool call", fields...)
	}
}

// sanitizeParams keeps the shape of tool arguments while hashing anything
// that could carry a literal value. Query objects keep their entities and
// field references, and filter values are replaced by hashes.
func sanitizeParams(args any) map[string]any {
	m, ok := args.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == "query" {
			out[k] = sanitizeQueryParam(v)
			continue
		}
		out[k] = v
	}
	return out
}

func sanitizeQueryParam(v any) any {
	var q map[string]any
	switch val := v.(type) {
	case map[string]any:
		q = val
	case string:
		if err := json.Unmarshal([]byte(val), &q); err != nil {
			return hashValue(val)
		}
	default:
		return hashValue(val)
	}

	out := make(map[string]any, len(q))
	for k, val := range q {
		if k == "where" {
			out[k] = hashWhereValues(val)
			continue
		}
		out[k] = val
	}
	return out
}

// hashWhereValues keeps field names and operators and hashes the operands.
func hashWhereValues(where any) any {
	switch w := where.(type) {
	case map[string]any:
		out := make(map[string]any, len(w))
		for k, v := range w {
			if strings.HasPrefix(k, "$") || strings.Contains(k, ".") {
				out[k] = hashWhereValues(v)
			} else {
				out[k] = hashValue(v)
			}
		}
		return out
	case []any:
		out := make([]any, len(w))
		for i, v := range w {
			out[i] = hashWhereValues(v)
		}
		return out
	default:
		return hashValue(w)
	}
}

// hashValue returns a SHA-256 prefix so entries can be correlated without
// storing the value.
func hashValue(value any) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%v", value)))
	return "sha256:" + hex.EncodeToString(hash[:8])
}

// classifyToolResult flags results that carry security-relevant findings.
func classifyToolResult(event *AuditEvent, result *mcplib.CallToolResult) {
	if result == nil {
		return
	}
	for _, c := range result.Content {
		tc, ok := c.(mcplib.TextContent)
		if !ok {
			continue
		}
		switch {
		case strings.Contains(tc.Text, models.WarnCodePossibleInjection):
			event.SecurityLevel = SecurityCritical
			event.SecurityFlags = append(event.SecurityFlags, "possible_injection")
			return
		case result.IsError && strings.Contains(tc.Text, `"unauthorized"`):
			event.SecurityLevel = SecurityWarning
			event.SecurityFlags = append(event.SecurityFlags, "unauthorized_access")
			return
		}
	}
}

// RecordAuthFailure logs a rejected MCP request.
func (a *AuditLogger) RecordAuthFailure(projectID, subject, reason, clientIP string) {
	a.logger.Warn("MCP authentication failed",
		zap.String("project_id", projectID),
		zap.String("subject", subject),
		zap.String("reason", reason),
		zap.String("client_ip", clientIP),
		zap.String("security_level", SecurityWarning),
		zap.Strings("security_flags", []string{"auth_failure"}))
}
