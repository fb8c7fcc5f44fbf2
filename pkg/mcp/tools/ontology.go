// Package tools provides the MCP tools of the ontology discovery engine.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/config"
	"github.com/ekaya-inc/ontology-engine/pkg/graph"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
	"github.com/ekaya-inc/ontology-engine/pkg/services"
)

// OntologyToolDeps contains dependencies for the ontology MCP tools.
type OntologyToolDeps struct {
	Orchestrator services.OntologyOrchestrator
	DataGraph    graph.GraphStore
	Thresholds   config.OntologyConfig
	Logger       *zap.Logger
}

// RegisterOntologyTools registers every ontology MCP tool.
func RegisterOntologyTools(s *server.MCPServer, deps *OntologyToolDeps) {
	registerRunDiscoveryCycleTool(s, deps)
	registerProcessEntityTool(s, deps)
	registerEvaluateRelationTool(s, deps)
	registerListRelationCandidatesTool(s, deps)
	registerDecideRelationTool(s, deps)
	registerFindEntityPathTool(s, deps)
}

// candidateView is a relation candidate plus its derived status.
type candidateView struct {
	*models.RelationCandidate
	Status models.RelationCandidateStatus `json:"status"`
}

func (d *OntologyToolDeps) view(c *models.RelationCandidate) candidateView {
	return candidateView{
		RelationCandidate: c,
		Status:            c.Status(d.Thresholds.AcceptanceThreshold, d.Thresholds.RejectionThreshold),
	}
}

// requireTrimmed reads a required string argument and rejects blanks.
func requireTrimmed(req mcp.CallToolRequest, key string) (string, *mcp.CallToolResult) {
	v, err := req.RequireString(key)
	if err != nil {
		return "", NewErrorResult("invalid_parameters", err.Error())
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", NewErrorResult("invalid_parameters", fmt.Sprintf("parameter '%s' cannot be empty", key))
	}
	return v, nil
}

func registerRunDiscoveryCycleTool(s *server.MCPServer, deps *OntologyToolDeps) {
	tool := mcp.NewTool(
		"run_discovery_cycle",
		mcp.WithDescription(
			"Run a full relation discovery cycle: scan every entity for foreign-key evidence under a new heuristics version, "+
				"evaluate the candidates with the judge, promote the new version and materialize accepted relations. "+
				"Blocks until the cycle finishes and returns its status. Fails with 'conflict' if a cycle is already running.",
		),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status, err := deps.Orchestrator.ProcessAndEvaluateAll(ctx)
		if err != nil {
			if res := serviceErrorResult(err); res != nil {
				return res, nil
			}
			if status != nil {
				deps.Logger.Error("Discovery cycle failed", zap.String("version", status.Version), zap.Error(err))
				return NewErrorResultWithDetails("cycle_failed", err.Error(), status), nil
			}
			return nil, fmt.Errorf("failed to run discovery cycle: %w", err)
		}
		return jsonResult(status)
	})
}

func registerProcessEntityTool(s *server.MCPServer, deps *OntologyToolDeps) {
	tool := mcp.NewTool(
		"process_entity",
		mcp.WithDescription(
			"Search the data graph for foreign-key evidence from one entity and add it to the current heuristics version. "+
				"Returns the number of properties searched and the relation ids that received evidence. "+
				"Example: process_entity(entity_type='app', primary_key='web')",
		),
		mcp.WithString("entity_type", mcp.Required(), mcp.Description("Entity type of the source entity")),
		mcp.WithString("primary_key", mcp.Required(), mcp.Description("Primary key of the source entity; composite keys are joined with '|'")),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entityType, bad := requireTrimmed(req, "entity_type")
		if bad != nil {
			return bad, nil
		}
		primaryKey, bad := requireTrimmed(req, "primary_key")
		if bad != nil {
			return bad, nil
		}

		result, err := deps.Orchestrator.ProcessEntity(ctx, entityType, primaryKey)
		if err != nil {
			if res := serviceErrorResult(err); res != nil {
				return res, nil
			}
			return nil, fmt.Errorf("failed to process entity %s/%s: %w", entityType, primaryKey, err)
		}
		return jsonResult(result)
	})
}

// getOptionalString extracts an optional string argument from the request.
func getOptionalString(req mcp.CallToolRequest, key string) string {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return ""
	}
	val, _ := args[key].(string)
	return strings.TrimSpace(val)
}

// getOptionalFloat extracts an optional numeric argument from the request.
func getOptionalFloat(req mcp.CallToolRequest, key string) (float64, bool) {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return 0, false
	}
	val, ok := args[key].(float64)
	return val, ok
}
