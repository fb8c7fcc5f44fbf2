package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ekaya-inc/ontology-engine/pkg/models"
)

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{"app1", "app1", 1, 1},
		{"App1", "app1 ", 1, 1},
		{"dev-cluster", "dev-clusters", 0.9, 0.95},
		{"billing", "shipping", 0, 0.8},
		{"", "x", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.a+"~"+tt.b, func(t *testing.T) {
			s := Similarity(tt.a, tt.b)
			assert.GreaterOrEqual(t, s, tt.min)
			assert.LessOrEqual(t, s, tt.max)
		})
	}
}

func namespace(name, cluster string) *models.Entity {
	return &models.Entity{
		Type:                 "namespace",
		PrimaryKeyProperties: []string{"name", "cluster_name"},
		Properties: map[string]models.Value{
			"name":         models.NewString(name),
			"cluster_name": models.NewString(cluster),
			"_internal_id": models.NewString(name),
		},
	}
}

func TestScoreEntity(t *testing.T) {
	e := namespace("app1", "dev-cluster")

	score, relevance, ok := ScoreEntity([]WeightedValue{
		{Value: "app1", Weight: 10},
		{Value: "dev-cluster", Weight: 1},
	}, e, 0.85)
	assert.True(t, ok)
	assert.Equal(t, 10.0, score)
	assert.Equal(t, 11.0, relevance)

	_, _, ok = ScoreEntity([]WeightedValue{{Value: "unrelated", Weight: 10}}, e, 0.85)
	assert.False(t, ok)
}

func TestScoreEntity_IgnoresInternalProperties(t *testing.T) {
	e := &models.Entity{
		Type:                 "cluster",
		PrimaryKeyProperties: []string{"name"},
		Properties: map[string]models.Value{
			"name":    models.NewString("prod"),
			"_source": models.NewString("inventory"),
		},
	}
	_, _, ok := ScoreEntity([]WeightedValue{{Value: "inventory", Weight: 1}}, e, 0.85)
	assert.False(t, ok)
}

func TestRankMatches(t *testing.T) {
	a := FuzzyMatch{Entity: namespace("a", "c"), Score: 10, Relevance: 10}
	b := FuzzyMatch{Entity: namespace("b", "c"), Score: 10, Relevance: 11}
	c := FuzzyMatch{Entity: namespace("c", "c"), Score: 5, Relevance: 20}
	cluster := FuzzyMatch{Entity: &models.Entity{
		Type:                 "cluster",
		PrimaryKeyProperties: []string{"name"},
		Properties:           map[string]models.Value{"name": models.NewString("c")},
	}, Score: 1, Relevance: 1}

	ranked := RankMatches([]FuzzyMatch{a, c, cluster, b}, 1)
	if assert.Len(t, ranked, 2) {
		assert.Equal(t, "b|c", ranked[0].Entity.PrimaryKey())
		assert.Equal(t, "cluster", ranked[1].Entity.Type)
	}

	all := RankMatches([]FuzzyMatch{a, c, b}, 0)
	assert.Equal(t, []string{"b|c", "a|c", "c|c"}, []string{
		all[0].Entity.PrimaryKey(), all[1].Entity.PrimaryKey(), all[2].Entity.PrimaryKey(),
	})
}
