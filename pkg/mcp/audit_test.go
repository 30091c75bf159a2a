package mcp

import (
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestClassifyToolResult(t *testing.T) {
	tests := []struct {
		name      string
		result    *mcplib.CallToolResult
		wantLevel string
		wantFlag  string
	}{
		{name: "nil result", wantLevel: SecurityNormal},
		{
			name:      "plain result",
			result:    mcplib.NewToolResultText(`{"valid":true,"warnings":[]}`),
			wantLevel: SecurityNormal,
		},
		{
			name:      "injection warning",
			result:    mcplib.NewToolResultText(`{"valid":true,"warnings":[{"code":"POSSIBLE_INJECTION","path":"where.c.name"}]}`),
			wantLevel: SecurityCritical,
			wantFlag:  "possible_injection",
		},
		{
			name: "unauthorized error result",
			result: &mcplib.CallToolResult{
				IsError: true,
				Content: []mcplib.Content{mcplib.TextContent{Text: `{"error":true,"code":"unauthorized"}`}},
			},
			wantLevel: SecurityWarning,
			wantFlag:  "unauthorized_access",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &AuditEvent{SecurityLevel: SecurityNormal}
			classifyToolResult(event, tt.result)

			if event.SecurityLevel != tt.wantLevel {
				t.Errorf("expected level %q, got %q", tt.wantLevel, event.SecurityLevel)
			}
			if tt.wantFlag == "" {
				if len(event.SecurityFlags) != 0 {
					t.Errorf("expected no flags, got %v", event.SecurityFlags)
				}
				return
			}
			if len(event.SecurityFlags) != 1 || event.SecurityFlags[0] != tt.wantFlag {
				t.Errorf("expected flags [%s], got %v", tt.wantFlag, event.SecurityFlags)
			}
		})
	}
}

func TestSanitizeParams(t *testing.T) {
	if got := sanitizeParams(nil); got != nil {
		t.Errorf("expected nil for nil args, got %v", got)
	}

	got := sanitizeParams(map[string]any{
		"entity": "orders",
		"query": map[string]any{
			"from":   "customers",
			"select": []any{"c.id"},
			"where": map[string]any{
				"c.email": "alice@example.com",
				"$or":     []any{map[string]any{"c.name": map[string]any{"$eq": "bob"}}},
			},
		},
	})

	if got["entity"] != "orders" {
		t.Errorf("expected entity to be kept, got %v", got["entity"])
	}
	query, ok := got["query"].(map[string]any)
	if !ok {
		t.Fatalf("expected query map, got %T", got["query"])
	}
	if query["from"] != "customers" {
		t.Errorf("expected from to be kept, got %v", query["from"])
	}

	where := query["where"].(map[string]any)
	email, _ := where["c.email"].(string)
	if !strings.HasPrefix(email, "sha256:") {
		t.Errorf("expected hashed filter value, got %v", where["c.email"])
	}
	or := where["$or"].([]any)
	nested := or[0].(map[string]any)["c.name"].(map[string]any)
	if eq, _ := nested["$eq"].(string); !strings.HasPrefix(eq, "sha256:") {
		t.Errorf("expected nested operand to be hashed, got %v", nested["$eq"])
	}
}

func TestSanitizeParams_StringQuery(t *testing.T) {
	got := sanitizeParams(map[string]any{"query": `{"from":"orders","where":{"o.status":"paid"}}`})
	query := got["query"].(map[string]any)
	if query["from"] != "orders" {
		t.Errorf("expected from to be kept, got %v", query["from"])
	}
	if status, _ := query["where"].(map[string]any)["o.status"].(string); !strings.HasPrefix(status, "sha256:") {
		t.Errorf("expected hashed value, got %v", status)
	}

	got = sanitizeParams(map[string]any{"query": "not json"})
	if s, _ := got["query"].(string); !strings.HasPrefix(s, "sha256:") {
		t.Errorf("expected unparseable query to be hashed, got %v", got["query"])
	}
}

func TestHashValue_Stable(t *testing.T) {
	if hashValue("x") != hashValue("x") {
		t.Error("expected identical inputs to hash identically")
	}
	if hashValue("x") == hashValue("y") {
		t.Error("expected different inputs to hash differently")
	}
	if len(hashValue(42)) != len("sha256:")+16 {
		t.Errorf("unexpected hash length %d", len(hashValue(42)))
	}
}

func TestAuditLogger_RecordAuthFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	a := NewAuditLogger(zap.New(core))

	a.RecordAuthFailure("p-1", "agent-7", "project_mismatch", "10.1.1.1")

	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
	fields := logs.All()[0].ContextMap()
	if fields["reason"] != "project_mismatch" || fields["client_ip"] != "10.1.1.1" {
		t.Errorf("unexpected fields %v", fields)
	}
}
