package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ekaya-inc/ontology-engine/pkg/graph"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
)

// maxToolPathDepth caps the depth an agent may request.
const maxToolPathDepth = 12

type pathStep struct {
	From       models.EntityRef `json:"from"`
	To         models.EntityRef `json:"to"`
	Name       string           `json:"relation_name"`
	RelationID string           `json:"relation_id,omitempty"`
	Confidence float64          `json:"confidence"`
}

type pathResult struct {
	Found bool       `json:"found"`
	Hops  int        `json:"hops"`
	Steps []pathStep `json:"steps"`
}

func registerFindEntityPathTool(s *server.MCPServer, deps *OntologyToolDeps) {
	tool := mcp.NewTool(
		"find_entity_path",
		mcp.WithDescription(
			"Find the shortest chain of relations connecting two entities in the data graph, following edges in either direction. "+
				"Useful to check how discovered relations link entities together. "+
				"Example: find_entity_path(from_type='app', from_key='web', to_type='cluster', to_key='prod')",
		),
		mcp.WithString("from_type", mcp.Required(), mcp.Description("Entity type of the start entity")),
		mcp.WithString("from_key", mcp.Required(), mcp.Description("Primary key of the start entity")),
		mcp.WithString("to_type", mcp.Required(), mcp.Description("Entity type of the end entity")),
		mcp.WithString("to_key", mcp.Required(), mcp.Description("Primary key of the end entity")),
		mcp.WithNumber("max_depth", mcp.Description(fmt.Sprintf("Optional - maximum number of hops (default %d, max %d)", graph.DefaultMaxPathDepth, maxToolPathDepth))),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var refs [4]string
		for i, key := range []string{"from_type", "from_key", "to_type", "to_key"} {
			v, bad := requireTrimmed(req, key)
			if bad != nil {
				return bad, nil
			}
			refs[i] = v
		}
		maxDepth := graph.DefaultMaxPathDepth
		if v, ok := getOptionalFloat(req, "max_depth"); ok {
			maxDepth = int(v)
		}
		if maxDepth < 1 || maxDepth > maxToolPathDepth {
			return NewErrorResult("invalid_parameters",
				fmt.Sprintf("max_depth must be between 1 and %d", maxToolPathDepth)), nil
		}

		from := models.EntityRef{Type: refs[0], Key: refs[1]}
		to := models.EntityRef{Type: refs[2], Key: refs[3]}
		relations, err := deps.DataGraph.ShortestPath(ctx, from, to, maxDepth)
		if err != nil {
			if res := serviceErrorResult(err); res != nil {
				return res, nil
			}
			return nil, fmt.Errorf("failed to find path from %s to %s: %w", from, to, err)
		}

		out := pathResult{Found: true, Hops: len(relations), Steps: make([]pathStep, 0, len(relations))}
		for _, r := range relations {
			out.Steps = append(out.Steps, pathStep{
				From:       r.From,
				To:         r.To,
				Name:       r.Name,
				RelationID: r.RelationID,
				Confidence: r.Confidence,
			})
		}
		return jsonResult(out)
	})
}
