package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/models"
)

// candidateListResult is the list_relation_candidates payload.
type candidateListResult struct {
	Candidates []candidateView `json:"candidates"`
	Total      int             `json:"total"`
}

func registerEvaluateRelationTool(s *server.MCPServer, deps *OntologyToolDeps) {
	tool := mcp.NewTool(
		"evaluate_relation",
		mcp.WithDescription(
			"Ask the judge to evaluate one relation candidate of the current heuristics version now, "+
				"then apply or withdraw its relation edges according to the result. Returns the updated candidate.",
		),
		mcp.WithString("relation_id", mcp.Required(), mcp.Description("Relation candidate id as returned by list_relation_candidates")),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		relationID, bad := requireTrimmed(req, "relation_id")
		if bad != nil {
			return bad, nil
		}
		candidate, err := deps.Orchestrator.EvaluateRelation(ctx, relationID)
		if err != nil {
			if res := serviceErrorResult(err); res != nil {
				return res, nil
			}
			return nil, fmt.Errorf("failed to evaluate relation %s: %w", relationID, err)
		}
		return jsonResult(deps.view(candidate))
	})
}

func registerListRelationCandidatesTool(s *server.MCPServer, deps *OntologyToolDeps) {
	tool := mcp.NewTool(
		"list_relation_candidates",
		mcp.WithDescription(
			"List the relation candidates of the current heuristics version with their evidence, evaluation and status. "+
				"Optionally filter by status and entity types.",
		),
		mcp.WithString("status", mcp.Description("Optional - one of 'accepted', 'rejected', 'pending'"),
			mcp.Enum(string(models.RelCandidateStatusAccepted), string(models.RelCandidateStatusRejected), string(models.RelCandidateStatusPending))),
		mcp.WithString("from_type", mcp.Description("Optional - entity type holding the reference")),
		mcp.WithString("to_type", mcp.Description("Optional - entity type being referenced")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := models.RelationCandidateStatus(getOptionalString(req, "status"))
		switch status {
		case "", models.RelCandidateStatusAccepted, models.RelCandidateStatusRejected, models.RelCandidateStatusPending:
		default:
			return NewErrorResultWithDetails("invalid_parameters",
				fmt.Sprintf("invalid status value: %q", status),
				map[string]any{"parameter": "status", "expected": []string{"accepted", "rejected", "pending"}}), nil
		}
		fromType := getOptionalString(req, "from_type")
		toType := getOptionalString(req, "to_type")

		candidates, err := deps.Orchestrator.ListCandidates(ctx)
		if err != nil {
			if res := serviceErrorResult(err); res != nil {
				return res, nil
			}
			return nil, fmt.Errorf("failed to list relation candidates: %w", err)
		}

		out := candidateListResult{Candidates: []candidateView{}}
		for _, c := range candidates {
			if fromType != "" && c.Heuristic.EntityAType != fromType {
				continue
			}
			if toType != "" && c.Heuristic.EntityBType != toType {
				continue
			}
			v := deps.view(c)
			if status != "" && v.Status != status {
				continue
			}
			out.Candidates = append(out.Candidates, v)
		}
		out.Total = len(out.Candidates)
		return jsonResult(out)
	})
}

func registerDecideRelationTool(s *server.MCPServer, deps *OntologyToolDeps) {
	tool := mcp.NewTool(
		"decide_relation",
		mcp.WithDescription(
			"Record an operator decision on a relation candidate. 'accepted' materializes the relation edges, "+
				"'rejected' removes them. The decision overrides the judge and is kept across discovery cycles. "+
				"Accepting requires the candidate to have been evaluated so that it has a relation name.",
		),
		mcp.WithString("relation_id", mcp.Required(), mcp.Description("Relation candidate id")),
		mcp.WithString("decision", mcp.Required(), mcp.Description("'accepted' or 'rejected'"),
			mcp.Enum(string(models.ManualInterventionAccepted), string(models.ManualInterventionRejected))),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		relationID, bad := requireTrimmed(req, "relation_id")
		if bad != nil {
			return bad, nil
		}
		raw, bad := requireTrimmed(req, "decision")
		if bad != nil {
			return bad, nil
		}
		decision := models.ManualIntervention(raw)
		if !models.IsValidManualIntervention(decision) {
			return NewErrorResultWithDetails("invalid_parameters",
				fmt.Sprintf("invalid decision value: %q", raw),
				map[string]any{"parameter": "decision", "expected": models.ValidManualInterventions}), nil
		}

		candidate, err := deps.Orchestrator.DecideRelation(ctx, relationID, decision)
		if err != nil {
			if res := serviceErrorResult(err); res != nil {
				return res, nil
			}
			return nil, fmt.Errorf("failed to record decision on relation %s: %w", relationID, err)
		}
		deps.Logger.Info("Recorded manual relation decision via MCP",
			zap.String("relation_id", relationID),
			zap.String("decision", raw))
		return jsonResult(deps.view(candidate))
	})
}
