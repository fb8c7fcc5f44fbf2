package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func confidence(v float64) *float64 { return &v }

func TestRelationCandidate_Status(t *testing.T) {
	tests := []struct {
		name      string
		candidate *RelationCandidate
		expected  RelationCandidateStatus
	}{
		{
			name:      "not evaluated",
			candidate: &RelationCandidate{},
			expected:  RelCandidateStatusPending,
		},
		{
			name:      "high confidence",
			candidate: &RelationCandidate{Evaluation: &FkeyEvaluation{RelationConfidence: confidence(0.9)}},
			expected:  RelCandidateStatusAccepted,
		},
		{
			name:      "at acceptance threshold",
			candidate: &RelationCandidate{Evaluation: &FkeyEvaluation{RelationConfidence: confidence(0.75)}},
			expected:  RelCandidateStatusAccepted,
		},
		{
			name:      "low confidence",
			candidate: &RelationCandidate{Evaluation: &FkeyEvaluation{RelationConfidence: confidence(0.2)}},
			expected:  RelCandidateStatusRejected,
		},
		{
			name:      "between thresholds",
			candidate: &RelationCandidate{Evaluation: &FkeyEvaluation{RelationConfidence: confidence(0.5)}},
			expected:  RelCandidateStatusPending,
		},
		{
			name:      "null confidence rejects",
			candidate: &RelationCandidate{Evaluation: &FkeyEvaluation{RelationName: "RUNS_IN"}},
			expected:  RelCandidateStatusRejected,
		},
		{
			name: "manual accept overrides low confidence",
			candidate: &RelationCandidate{
				Evaluation:         &FkeyEvaluation{RelationConfidence: confidence(0.1)},
				ManuallyIntervened: ManualInterventionAccepted,
			},
			expected: RelCandidateStatusAccepted,
		},
		{
			name: "manual reject overrides high confidence",
			candidate: &RelationCandidate{
				Evaluation:         &FkeyEvaluation{RelationConfidence: confidence(0.99)},
				ManuallyIntervened: ManualInterventionRejected,
			},
			expected: RelCandidateStatusRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.candidate.Status(0.75, 0.3))
		})
	}
}

func TestFkeyEvaluation_ConfidenceNilSafe(t *testing.T) {
	var eval *FkeyEvaluation
	assert.Equal(t, 0.0, eval.Confidence())
	assert.Equal(t, 0.0, (&FkeyEvaluation{}).Confidence())
	assert.Equal(t, 0.4, (&FkeyEvaluation{RelationConfidence: confidence(0.4)}).Confidence())
}

func TestRelationFilter_Matches(t *testing.T) {
	rel := &Relation{
		From:       EntityRef{Type: "pod", Key: "p1"},
		To:         EntityRef{Type: "node", Key: "n1"},
		Name:       "RUNS_ON",
		RelationID: "rel-1",
		Version:    "v2",
	}

	assert.True(t, RelationFilter{}.Matches(rel))
	assert.True(t, RelationFilter{RelationID: "rel-1", Version: "v2"}.Matches(rel))
	assert.False(t, RelationFilter{ExcludeVersion: "v2"}.Matches(rel))
	assert.True(t, RelationFilter{ExcludeVersion: "v1", TaggedOnly: true}.Matches(rel))
	assert.False(t, RelationFilter{TaggedOnly: true}.Matches(&Relation{Name: "MANUAL"}))
	assert.False(t, RelationFilter{FromType: "node"}.Matches(rel))
}

func TestEdgeID_Deterministic(t *testing.T) {
	from := EntityRef{Type: "pod", Key: "p1"}
	to := EntityRef{Type: "node", Key: "n1"}

	assert.Equal(t, EdgeID(from, to, "RUNS_ON", "r"), EdgeID(from, to, "RUNS_ON", "r"))
	assert.NotEqual(t, EdgeID(from, to, "RUNS_ON", "r"), EdgeID(to, from, "RUNS_ON", "r"))
}
