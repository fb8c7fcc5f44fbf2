package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontology-engine/pkg/config"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
	"github.com/ekaya-inc/ontology-engine/pkg/services"
)

type fakeOrchestrator struct {
	mu         sync.Mutex
	status     services.CycleStatus
	cycleErr   error
	cycles     int
	running    bool
	release    chan struct{}
	cycleDone  chan struct{}
	candidates []*models.RelationCandidate
	decisions  map[string]models.ManualIntervention
	processed  []string
}

var _ services.OntologyOrchestrator = (*fakeOrchestrator)(nil)

func (f *fakeOrchestrator) ProcessAndEvaluateAll(ctx context.Context) (*services.CycleStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycles++
	if f.cycleDone != nil {
		defer close(f.cycleDone)
	}
	if f.cycleErr != nil {
		return nil, f.cycleErr
	}
	f.status = services.CycleStatus{State: services.CycleStateDone, Version: "v2", Accepted: 1}
	s := f.status
	return &s, nil
}

// StartCycle holds the cycle slot until release is closed, when set.
func (f *fakeOrchestrator) StartCycle(ctx context.Context) (services.CycleStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return services.CycleStatus{}, fmt.Errorf("processing already in progress: %w", apperrors.ErrConflict)
	}
	f.running = true
	f.cycles++
	f.status = services.CycleStatus{State: services.CycleStateInit}
	go func() {
		if f.release != nil {
			<-f.release
		}
		f.mu.Lock()
		f.running = false
		f.status = services.CycleStatus{State: services.CycleStateDone, Version: "v2", Accepted: 1}
		f.mu.Unlock()
		if f.cycleDone != nil {
			close(f.cycleDone)
		}
	}()
	return f.status, nil
}

func (f *fakeOrchestrator) ProcessEntity(ctx context.Context, entityType, primaryKey string) (*services.ProcessResult, error) {
	if entityType == "missing" {
		return nil, fmt.Errorf("entity %s/%s: %w", entityType, primaryKey, apperrors.ErrNotFound)
	}
	f.processed = append(f.processed, entityType+"/"+primaryKey)
	return &services.ProcessResult{PropertiesSearched: 2, RelationIDs: []string{"r1"}}, nil
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
	if f.decisions == nil {
		f.decisions = map[string]models.ManualIntervention{}
	}
	f.decisions[relationID] = decision
	c.ManuallyIntervened = decision
	return c, nil
}

func (f *fakeOrchestrator) Status() services.CycleStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func candidate(id, from, to string, confidence float64) *models.RelationCandidate {
	return &models.RelationCandidate{
		RelationID: id,
		Heuristic:  models.FkeyHeuristic{EntityAType: from, EntityBType: to, Count: 3},
		Evaluation: &models.FkeyEvaluation{RelationName: "belongs_to", RelationConfidence: &confidence},
	}
}

func newTestMux(orch services.OntologyOrchestrator) *http.ServeMux {
	mux := http.NewServeMux()
	NewOntologyHandler(orch, config.OntologyConfig{AcceptanceThreshold: 0.75, RejectionThreshold: 0.3}, zap.NewNop()).RegisterRoutes(mux)
	return mux
}

func serve(t *testing.T, mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func TestOntologyHandler_RunCycle_Wait(t *testing.T) {
	orch := &fakeOrchestrator{}
	rec := serve(t, newTestMux(orch), http.MethodPost, "/api/ontology/cycle?wait=true", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var status services.CycleStatus
	decodeData(t, rec, &status)
	assert.Equal(t, services.CycleStateDone, status.State)
	assert.Equal(t, "v2", status.Version)
}

func TestOntologyHandler_RunCycle_WaitConflict(t *testing.T) {
	orch := &fakeOrchestrator{cycleErr: fmt.Errorf("processing already in progress: %w", apperrors.ErrConflict)}
	rec := serve(t, newTestMux(orch), http.MethodPost, "/api/ontology/cycle?wait=true", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOntologyHandler_RunCycle_Background(t *testing.T) {
	orch := &fakeOrchestrator{cycleDone: make(chan struct{})}
	rec := serve(t, newTestMux(orch), http.MethodPost, "/api/ontology/cycle", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	var started services.CycleStatus
	decodeData(t, rec, &started)
	assert.Equal(t, services.CycleStateInit, started.State)

	select {
	case <-orch.cycleDone:
	case <-time.After(2 * time.Second):
		t.Fatal("background cycle did not run")
	}
	assert.Equal(t, services.CycleStateDone, orch.Status().State)
}

func TestOntologyHandler_RunCycle_OverlappingTriggers(t *testing.T) {
	orch := &fakeOrchestrator{release: make(chan struct{}), cycleDone: make(chan struct{})}
	mux := newTestMux(orch)

	codes := make(chan int, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- serve(t, mux, http.MethodPost, "/api/ontology/cycle", "").Code
		}()
	}
	wg.Wait()
	close(codes)

	var got []int
	for c := range codes {
		got = append(got, c)
	}
	assert.ElementsMatch(t, []int{http.StatusAccepted, http.StatusConflict}, got)

	close(orch.release)
	select {
	case <-orch.cycleDone:
	case <-time.After(2 * time.Second):
		t.Fatal("background cycle did not finish")
	}
	assert.Equal(t, 1, orch.cycles)
	assert.Equal(t, services.CycleStateDone, orch.Status().State)
}

func TestOntologyHandler_ListCandidates(t *testing.T) {
	orch := &fakeOrchestrator{candidates: []*models.RelationCandidate{
		candidate("r1", "app", "namespace", 0.9),
		candidate("r2", "app", "cluster", 0.5),
		candidate("r3", "pod", "namespace", 0.1),
	}}
	mux := newTestMux(orch)

	tests := []struct {
		query   string
		wantIDs []string
	}{
		{"", []string{"r1", "r2", "r3"}},
		{"?status=accepted", []string{"r1"}},
		{"?status=pending", []string{"r2"}},
		{"?status=rejected", []string{"r3"}},
		{"?from_type=app", []string{"r1", "r2"}},
		{"?to_type=namespace&status=rejected", []string{"r3"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := serve(t, mux, http.MethodGet, "/api/ontology/candidates"+tt.query, "")
			require.Equal(t, http.StatusOK, rec.Code)

			var resp CandidateListResponse
			decodeData(t, rec, &resp)
			ids := make([]string, 0, len(resp.Candidates))
			for _, c := range resp.Candidates {
				ids = append(ids, c.RelationID)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, len(tt.wantIDs), resp.Total)
		})
	}

	rec := serve(t, mux, http.MethodGet, "/api/ontology/candidates?status=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOntologyHandler_EvaluateCandidate(t *testing.T) {
	orch := &fakeOrchestrator{candidates: []*models.RelationCandidate{candidate("r1", "app", "namespace", 0.9)}}
	mux := newTestMux(orch)

	rec := serve(t, mux, http.MethodPost, "/api/ontology/candidates/r1/evaluate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp CandidateResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "r1", resp.RelationID)
	assert.Equal(t, models.RelCandidateStatusAccepted, resp.Status)

	rec = serve(t, mux, http.MethodPost, "/api/ontology/candidates/nope/evaluate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOntologyHandler_DecideCandidate(t *testing.T) {
	orch := &fakeOrchestrator{candidates: []*models.RelationCandidate{candidate("r1", "app", "namespace", 0.9)}}
	mux := newTestMux(orch)

	rec := serve(t, mux, http.MethodPost, "/api/ontology/candidates/r1/decision", `{"decision":"rejected"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp CandidateResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, models.RelCandidateStatusRejected, resp.Status, "manual decision overrides confidence")
	assert.Equal(t, models.ManualInterventionRejected, orch.decisions["r1"])

	for _, body := range []string{`{"decision":"maybe"}`, `{}`, `not json`} {
		rec = serve(t, mux, http.MethodPost, "/api/ontology/candidates/r1/decision", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestOntologyHandler_ProcessEntity(t *testing.T) {
	orch := &fakeOrchestrator{}
	mux := newTestMux(orch)

	rec := serve(t, mux, http.MethodPost, "/api/ontology/entities/namespace/web%7Cprod/process", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result services.ProcessResult
	decodeData(t, rec, &result)
	assert.Equal(t, 2, result.PropertiesSearched)
	assert.Equal(t, []string{"namespace/web|prod"}, orch.processed)

	rec = serve(t, mux, http.MethodPost, "/api/ontology/entities/missing/x/process", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOntologyHandler_GetStatus(t *testing.T) {
	orch := &fakeOrchestrator{status: services.CycleStatus{State: services.CycleStateProcessing, EntitiesTotal: 10}}
	rec := serve(t, newTestMux(orch), http.MethodGet, "/api/ontology/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var status services.CycleStatus
	decodeData(t, rec, &status)
	assert.Equal(t, services.CycleStateProcessing, status.State)
	assert.Equal(t, 10, status.EntitiesTotal)
}
