package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontology-engine/pkg/config"
	"github.com/ekaya-inc/ontology-engine/pkg/graph"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
	"github.com/ekaya-inc/ontology-engine/pkg/services"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeOrchestrator struct {
	cycleErr    error
	cycleStatus *services.CycleStatus
	candidates  []*models.RelationCandidate
	processed   []string
	decisions   map[string]models.ManualIntervention
}

var _ services.OntologyOrchestrator = (*fakeOrchestrator)(nil)

func (f *fakeOrchestrator) ProcessAndEvaluateAll(ctx context.Context) (*services.CycleStatus, error) {
	if f.cycleErr != nil {
		return f.cycleStatus, f.cycleErr
	}
	return &services.CycleStatus{State: services.CycleStateDone, Version: "v2", Candidates: len(f.candidates)}, nil
}

func (f *fakeOrchestrator) StartCycle(ctx context.Context) (services.CycleStatus, error) {
	if f.cycleErr != nil {
		return services.CycleStatus{}, f.cycleErr
	}
	return services.CycleStatus{State: services.CycleStateInit}, nil
}

func (f *fakeOrchestrator) ProcessEntity(ctx context.Context, entityType, primaryKey string) (*services.ProcessResult, error) {
	f.processed = append(f.processed, entityType+"/"+primaryKey)
	return &services.ProcessResult{PropertiesSearched: 3, RelationIDs: []string{"r1"}}, nil
}

func (f *fakeOrchestrator) find(relationID string) (*models.RelationCandidate, error) {
	for _, c := range f.candidates {
		if c.RelationID == relationID {
			return c, nil
		}
	}
	return nil, fmt.Errorf("relation candidate %s: %w", relationID, apperrors.ErrNotFound)
}

func (f *fakeOrchestrator) EvaluateRelation(ctx context.Context, relationID string) (*models.RelationCandidate, error) {
	return f.find(relationID)
}

func (f *fakeOrchestrator) ListCandidates(ctx context.Context) ([]*models.RelationCandidate, error) {
	return f.candidates, nil
}

func (f *fakeOrchestrator) DecideRelation(ctx context.Context, relationID string, decision models.ManualIntervention) (*models.RelationCandidate, error) {
	c, err := f.find(relationID)
	if err != nil {
		return nil, err
	}
	if c.Evaluation == nil && decision == models.ManualInterventionAccepted {
		return nil, fmt.Errorf("relation %s has no name yet: %w", relationID, apperrors.ErrValidation)
	}
	if f.decisions == nil {
		f.decisions = map[string]models.ManualIntervention{}
	}
	f.decisions[relationID] = decision
	c.ManuallyIntervened = decision
	return c, nil
}

func (f *fakeOrchestrator) Status() services.CycleStatus { return services.CycleStatus{} }

func evaluated(id, from, to string, confidence float64) *models.RelationCandidate {
	return &models.RelationCandidate{
		RelationID: id,
		Heuristic:  models.FkeyHeuristic{EntityAType: from, EntityBType: to, Count: 4},
		Evaluation: &models.FkeyEvaluation{RelationName: "runs_in", RelationConfidence: &confidence},
	}
}

// ============================================================================
// Harness
// ============================================================================

func newToolServer(t *testing.T, orch *fakeOrchestrator, data graph.GraphStore) *server.MCPServer {
	t.Helper()
	s := server.NewMCPServer("test", "1.0.0", server.WithToolCapabilities(true))
	RegisterOntologyTools(s, &OntologyToolDeps{
		Orchestrator: orch,
		DataGraph:    data,
		Thresholds:   config.OntologyConfig{AcceptanceThreshold: 0.75, RejectionThreshold: 0.3},
		Logger:       zap.NewNop(),
	})
	return s
}

type toolOutput struct {
	IsError bool
	Text    string
}

func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) toolOutput {
	t.Helper()
	msg, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	require.NoError(t, err)

	raw, err := json.Marshal(s.HandleMessage(context.Background(), msg))
	require.NoError(t, err)

	var resp struct {
		Result struct {
			IsError bool `json:"isError"`
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Nil(t, resp.Error, "unexpected protocol error")
	require.NotEmpty(t, resp.Result.Content)
	return toolOutput{IsError: resp.Result.IsError, Text: resp.Result.Content[0].Text}
}

func errorCode(t *testing.T, out toolOutput) string {
	t.Helper()
	require.True(t, out.IsError, out.Text)
	var e ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(out.Text), &e))
	return e.Code
}

// ============================================================================
// Tests
// ============================================================================

func TestRegisterOntologyTools(t *testing.T) {
	s := newToolServer(t, &fakeOrchestrator{}, nil)

	raw, err := json.Marshal(s.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`)))
	require.NoError(t, err)

	var response struct {
		Result struct {
			Tools []struct {
				Name        string `json:"name"`
				InputSchema struct {
					Required []string `json:"required"`
				} `json:"inputSchema"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &response))

	required := map[string][]string{}
	for _, tool := range response.Result.Tools {
		required[tool.Name] = tool.InputSchema.Required
	}
	assert.Len(t, required, 6)
	assert.ElementsMatch(t, []string{"entity_type", "primary_key"}, required["process_entity"])
	assert.ElementsMatch(t, []string{"relation_id", "decision"}, required["decide_relation"])
	assert.ElementsMatch(t, []string{"from_type", "from_key", "to_type", "to_key"}, required["find_entity_path"])
	assert.Contains(t, required, "run_discovery_cycle")
	assert.Contains(t, required, "list_relation_candidates")
	assert.Contains(t, required, "evaluate_relation")
}

func TestRunDiscoveryCycleTool(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		out := callTool(t, newToolServer(t, &fakeOrchestrator{}, nil), "run_discovery_cycle", nil)
		require.False(t, out.IsError)
		var status services.CycleStatus
		require.NoError(t, json.Unmarshal([]byte(out.Text), &status))
		assert.Equal(t, services.CycleStateDone, status.State)
	})

	t.Run("conflict", func(t *testing.T) {
		orch := &fakeOrchestrator{cycleErr: fmt.Errorf("processing already in progress: %w", apperrors.ErrConflict)}
		out := callTool(t, newToolServer(t, orch, nil), "run_discovery_cycle", nil)
		assert.Equal(t, "conflict", errorCode(t, out))
	})

	t.Run("failed cycle reports status", func(t *testing.T) {
		orch := &fakeOrchestrator{
			cycleErr:    fmt.Errorf("promote version: boom"),
			cycleStatus: &services.CycleStatus{State: services.CycleStateFailed, Error: "promote version: boom"},
		}
		out := callTool(t, newToolServer(t, orch, nil), "run_discovery_cycle", nil)
		assert.Equal(t, "cycle_failed", errorCode(t, out))
	})
}

func TestProcessEntityTool(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newToolServer(t, orch, nil)

	out := callTool(t, s, "process_entity", map[string]any{"entity_type": "app", "primary_key": " web "})
	require.False(t, out.IsError, out.Text)
	assert.Equal(t, []string{"app/web"}, orch.processed)

	out = callTool(t, s, "process_entity", map[string]any{"entity_type": "app", "primary_key": "  "})
	assert.Equal(t, "invalid_parameters", errorCode(t, out))
}

func TestListRelationCandidatesTool(t *testing.T) {
	orch := &fakeOrchestrator{candidates: []*models.RelationCandidate{
		evaluated("r1", "app", "namespace", 0.95),
		evaluated("r2", "app", "cluster", 0.5),
		evaluated("r3", "pod", "namespace", 0.05),
	}}
	s := newToolServer(t, orch, nil)

	tests := []struct {
		args    map[string]any
		wantIDs []string
	}{
		{nil, []string{"r1", "r2", "r3"}},
		{map[string]any{"status": "pending"}, []string{"r2"}},
		{map[string]any{"to_type": "namespace"}, []string{"r1", "r3"}},
		{map[string]any{"from_type": "app", "status": "accepted"}, []string{"r1"}},
	}
	for _, tt := range tests {
		out := callTool(t, s, "list_relation_candidates", tt.args)
		require.False(t, out.IsError, out.Text)

		var res candidateListResult
		require.NoError(t, json.Unmarshal([]byte(out.Text), &res))
		ids := []string{}
		for _, c := range res.Candidates {
			ids = append(ids, c.RelationID)
		}
		assert.Equal(t, tt.wantIDs, ids, "args %v", tt.args)
	}

	out := callTool(t, s, "list_relation_candidates", map[string]any{"status": "unknown"})
	assert.Equal(t, "invalid_parameters", errorCode(t, out))
}

func TestEvaluateRelationTool(t *testing.T) {
	s := newToolServer(t, &fakeOrchestrator{candidates: []*models.RelationCandidate{evaluated("r1", "app", "namespace", 0.2)}}, nil)

	out := callTool(t, s, "evaluate_relation", map[string]any{"relation_id": "r1"})
	require.False(t, out.IsError, out.Text)
	var v candidateView
	require.NoError(t, json.Unmarshal([]byte(out.Text), &v))
	assert.Equal(t, models.RelCandidateStatusRejected, v.Status)

	out = callTool(t, s, "evaluate_relation", map[string]any{"relation_id": "missing"})
	assert.Equal(t, "not_found", errorCode(t, out))
}

func TestDecideRelationTool(t *testing.T) {
	orch := &fakeOrchestrator{candidates: []*models.RelationCandidate{
		evaluated("r1", "app", "namespace", 0.5),
		{RelationID: "r2", Heuristic: models.FkeyHeuristic{EntityAType: "app", EntityBType: "cluster", Count: 1}},
	}}
	s := newToolServer(t, orch, nil)

	out := callTool(t, s, "decide_relation", map[string]any{"relation_id": "r1", "decision": "accepted"})
	require.False(t, out.IsError, out.Text)
	var v candidateView
	require.NoError(t, json.Unmarshal([]byte(out.Text), &v))
	assert.Equal(t, models.RelCandidateStatusAccepted, v.Status)
	assert.Equal(t, models.ManualInterventionAccepted, orch.decisions["r1"])

	out = callTool(t, s, "decide_relation", map[string]any{"relation_id": "r1", "decision": "maybe"})
	assert.Equal(t, "invalid_parameters", errorCode(t, out))

	out = callTool(t, s, "decide_relation", map[string]any{"relation_id": "r2", "decision": "accepted"})
	assert.Equal(t, "invalid_parameters", errorCode(t, out), "unevaluated candidates cannot be accepted")
}

func TestFindEntityPathTool(t *testing.T) {
	ctx := context.Background()
	data, err := graph.NewBadgerStoreInMemory(graph.DataGraph, graph.Options{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = data.Close() })

	app := models.EntityRef{Type: "app", Key: "web"}
	ns := models.EntityRef{Type: "namespace", Key: "web|prod"}
	cluster := models.EntityRef{Type: "cluster", Key: "prod"}
	require.NoError(t, data.UpdateRelation(ctx, &models.Relation{From: app, To: ns, Name: "runs_in", RelationID: "r1", Confidence: 0.9}))
	require.NoError(t, data.UpdateRelation(ctx, &models.Relation{From: ns, To: cluster, Name: "belongs_to", RelationID: "r2", Confidence: 0.8}))

	s := newToolServer(t, &fakeOrchestrator{}, data)

	out := callTool(t, s, "find_entity_path", map[string]any{
		"from_type": "cluster", "from_key": "prod", "to_type": "app", "to_key": "web",
	})
	require.False(t, out.IsError, out.Text)
	var res pathResult
	require.NoError(t, json.Unmarshal([]byte(out.Text), &res))
	assert.True(t, res.Found)
	require.Equal(t, 2, res.Hops)
	assert.Equal(t, "belongs_to", res.Steps[0].Name)
	assert.Equal(t, "runs_in", res.Steps[1].Name)

	out = callTool(t, s, "find_entity_path", map[string]any{
		"from_type": "cluster", "from_key": "prod", "to_type": "app", "to_key": "web", "max_depth": 1,
	})
	assert.Equal(t, "not_found", errorCode(t, out))

	out = callTool(t, s, "find_entity_path", map[string]any{
		"from_type": "cluster", "from_key": "prod", "to_type": "app", "to_key": "web", "max_depth": 50,
	})
	assert.Equal(t, "invalid_parameters", errorCode(t, out))
}
