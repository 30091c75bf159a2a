package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct{ err error }

func (s stubChecker) Health(context.Context) error { return s.err }

func TestHealthTool(t *testing.T) {
	tests := []struct {
		name         string
		checker      HealthChecker
		wantStatus   string
		wantMetadata string
	}{
		{name: "no metadata store", wantStatus: "ok"},
		{name: "metadata reachable", checker: stubChecker{}, wantStatus: "ok", wantMetadata: "ok"},
		{name: "metadata unreachable", checker: stubChecker{err: errors.New("timeout")}, wantStatus: "degraded", wantMetadata: "unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := server.NewMCPServer("test", "1.0.0", server.WithToolCapabilities(true))
			RegisterHealthTool(s, "2.1.0", tt.checker)

			result, rpcErr := callTool(t, s, context.Background(), "health", nil)
			require.Nil(t, rpcErr)

			var got healthResult
			require.NoError(t, json.Unmarshal([]byte(getTextContent(result)), &got))
			assert.Equal(t, "2.1.0", got.Version)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantMetadata, got.Metadata)
		})
	}
}
