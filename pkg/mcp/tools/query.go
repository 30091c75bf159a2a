// Package tools provides the MCP tools exposed by ekaya-crossquery.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/auth"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/services"
)

const queryArgDescription = "Cross-entity query as a JSON object or JSON string, e.g. " +
	`{"from":"customers","select":["c.id","o.total"],"joins":[{"entity":"orders","as":"o","on":"c.id = o.customer_id"}],"limit":10}`

// QueryToolDeps contains dependencies for the query tools.
type QueryToolDeps struct {
	QueryService services.QueryService
	Logger       *zap.Logger
}

// RegisterQueryTools registers the query planning and entity tools.
func RegisterQueryTools(s *server.MCPServer, deps *QueryToolDeps) {
	registerValidateQueryTool(s, deps)
	registerExplainQueryTool(s, deps)
	registerExecuteQueryTool(s, deps)
	registerDescribeEntityTool(s, deps)
	registerGuardrailsTool(s, deps)
}

func readOnlyQueryTool(name, description string) mcp.Tool {
	return mcp.NewTool(
		name,
		mcp.WithDescription(description),
		mcp.WithObject("query", mcp.Required(), mcp.Description(queryArgDescription)),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)
}

func registerValidateQueryTool(s *server.MCPServer, deps *QueryToolDeps) {
	tool := readOnlyQueryTool("validate_query",
		"Check a cross-entity query against the entity registry and guardrails without running it. "+
			"Returns {valid, errors, warnings}; each error has a code (UNKNOWN_ENTITY, JOIN_NOT_ALLOWED, "+
			"MAX_JOINS_EXCEEDED, ...) and a path pointing at the offending part of the query.")

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, raw, errResult := queryToolInput(ctx, req)
		if errResult != nil {
			return errResult, nil
		}

		result, err := deps.QueryService.Validate(ctx, projectID, raw)
		if err != nil {
			return handleServiceError(deps, "validate_query", projectID, err)
		}
		return jsonResult(result)
	})
}

func registerExplainQueryTool(s *server.MCPServer, deps *QueryToolDeps) {
	tool := readOnlyQueryTool("explain_query",
		"Plan a cross-entity query and describe it: base table, each join with its SQL join type and "+
			"ON condition, cardinality, the join graph, complexity score and the parameterised SQL it "+
			"projects to. Invalid queries return a validation_failed error with the validation details.")

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, raw, errResult := queryToolInput(ctx, req)
		if errResult != nil {
			return errResult, nil
		}

		out, err := deps.QueryService.Explain(ctx, projectID, raw)
		if err != nil {
			return handleServiceError(deps, "explain_query", projectID, err)
		}
		if out.Explain == nil {
			return NewErrorResultWithDetails("validation_failed", "query failed validation", out.Validation), nil
		}
		return jsonResult(out.Explain)
	})
}

func registerExecuteQueryTool(s *server.MCPServer, deps *QueryToolDeps) {
	tool := readOnlyQueryTool("execute_query",
		"Validate, plan and run a cross-entity query, returning columns and rows. "+
			"Use validate_query or explain_query first when unsure whether a join is allowed.")

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, raw, errResult := queryToolInput(ctx, req)
		if errResult != nil {
			return errResult, nil
		}

		out, err := deps.QueryService.Execute(ctx, projectID, raw)
		if err != nil {
			return handleServiceError(deps, "execute_query", projectID, err)
		}
		if out.Result == nil {
			return NewErrorResultWithDetails("validation_failed", "query failed validation", out.Validation), nil
		}
		return jsonResult(out.Result)
	})
}

func registerDescribeEntityTool(s *server.MCPServer, deps *QueryToolDeps) {
	tool := mcp.NewTool(
		"describe_entity",
		mcp.WithDescription(
			"Return an entity's table, fields, primary key, foreign keys and the relationships "+
				"that can be used as joins. Example: describe_entity(entity='orders').",
		),
		mcp.WithString("entity", mcp.Required(), mcp.Description("Entity name as used in a query's from or joins")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := auth.RequireProjectIDFromContext(ctx)
		if err != nil {
			return nil, err
		}
		name, err := req.RequireString("entity")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return NewErrorResult("invalid_parameters", "entity cannot be empty"), nil
		}

		entity, err := deps.QueryService.DescribeEntity(ctx, projectID, name)
		if err != nil {
			return handleServiceError(deps, "describe_entity", projectID, err)
		}
		return jsonResult(entity)
	})
}

func registerGuardrailsTool(s *server.MCPServer, deps *QueryToolDeps) {
	tool := mcp.NewTool(
		"get_query_guardrails",
		mcp.WithDescription("Return the limits every query must respect: max joins, max join depth, max selected fields, max limit and allowed join types."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(deps.QueryService.Guardrails())
	})
}

// queryToolInput resolves the caller's project and the raw query bytes. The
// query argument may be an object or a JSON-encoded string.
func queryToolInput(ctx context.Context, req mcp.CallToolRequest) (uuid.UUID, []byte, *mcp.CallToolResult) {
	projectID, err := auth.RequireProjectIDFromContext(ctx)
	if err != nil {
		return uuid.Nil, nil, NewErrorResult("unauthorized", err.Error())
	}

	args, _ := req.Params.Arguments.(map[string]any)
	switch q := args["query"].(type) {
	case nil:
		return uuid.Nil, nil, NewErrorResult("invalid_parameters", "query is required")
	case string:
		if strings.TrimSpace(q) == "" {
			return uuid.Nil, nil, NewErrorResult("invalid_parameters", "query cannot be empty")
		}
		return projectID, []byte(q), nil
	default:
		raw, err := json.Marshal(q)
		if err != nil {
			return uuid.Nil, nil, NewErrorResult("invalid_parameters", fmt.Sprintf("query is not JSON-encodable: %v", err))
		}
		return projectID, raw, nil
	}
}

// handleServiceError turns caller-fixable errors into tool results and lets
// everything else through as a protocol error.
func handleServiceError(deps *QueryToolDeps, tool string, projectID uuid.UUID, err error) (*mcp.CallToolResult, error) {
	if result := serviceErrorResult(err); result != nil {
		deps.Logger.Debug("Query tool returned error result",
			zap.String("tool", tool),
			zap.String("project_id", projectID.String()),
			zap.Error(err))
		return result, nil
	}
	deps.Logger.Error("Query tool failed",
		zap.String("tool", tool),
		zap.String("project_id", projectID.String()),
		zap.Error(err))
	return nil, fmt.Errorf("%s failed: %w", tool, err)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
