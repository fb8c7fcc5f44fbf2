package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/graph"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
)

func newTestProcessor(t *testing.T, data graph.GraphStore) HeuristicsProcessor {
	t.Helper()
	return NewHeuristicsProcessor(data, nil, testSettings(), zap.NewNop())
}

func strValues(kv ...string) map[string]models.Value {
	out := make(map[string]models.Value, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = models.NewString(kv[i+1])
	}
	return out
}

func TestFindMatchingKeyMappings_CompositeKey(t *testing.T) {
	data, _ := newTestGraphs(t)
	p := newTestProcessor(t, data)

	reference := strValues("name", "app1", "cluster_name", "dev-cluster")
	target := strValues("name", "test_app", "namespace", "app1", "cluster_name", "dev-cluster")

	got := p.FindMatchingKeyMappings(reference, target, models.PropertyMapping{EntityAProperty: "namespace", EntityBIDKeyProperty: "name"})

	require.Len(t, got, 1)
	assert.ElementsMatch(t, appToNamespace, got[0])
}

func TestFindMatchingKeyMappings_Ambiguous(t *testing.T) {
	data, _ := newTestGraphs(t)
	p := newTestProcessor(t, data)

	reference := strValues("name", "app1", "cluster_name", "dev")
	target := strValues("namespace", "app1", "cluster_name", "dev", "home_cluster", "dev")

	got := p.FindMatchingKeyMappings(reference, target, models.PropertyMapping{EntityAProperty: "namespace", EntityBIDKeyProperty: "name"})

	require.Len(t, got, 2)
	var sources []string
	for _, mappings := range got {
		require.Len(t, mappings, 2)
		for _, m := range mappings {
			if m.EntityBIDKeyProperty == "cluster_name" {
				sources = append(sources, m.EntityAProperty)
			}
		}
	}
	assert.ElementsMatch(t, []string{"cluster_name", "home_cluster"}, sources)
}

func TestFindMatchingKeyMappings_NoFullAssignment(t *testing.T) {
	data, _ := newTestGraphs(t)
	p := newTestProcessor(t, data)
	mustHave := models.PropertyMapping{EntityAProperty: "namespace", EntityBIDKeyProperty: "name"}

	tests := []struct {
		name      string
		reference map[string]models.Value
		target    map[string]models.Value
	}{
		{
			name:      "key member not reproducible",
			reference: strValues("name", "app1", "cluster_name", "prod"),
			target:    strValues("namespace", "app1", "cluster_name", "dev"),
		},
		{
			name:      "must-have pair does not match",
			reference: strValues("name", "app1"),
			target:    strValues("namespace", "app2", "other", "app1"),
		},
		{
			name:      "must-have key missing from reference",
			reference: strValues("id", "app1"),
			target:    strValues("namespace", "app1"),
		},
		{
			name:      "one target property cannot serve two keys",
			reference: strValues("name", "dev", "cluster_name", "dev"),
			target:    strValues("namespace", "dev"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, p.FindMatchingKeyMappings(tt.reference, tt.target, mustHave))
		})
	}
}

func TestFindMatchingKeyMappings_Capped(t *testing.T) {
	reference := strValues("a", "x", "b", "x", "c", "x")
	target := strValues("p", "x", "q", "x", "r", "x", "s", "x")
	mustHave := models.PropertyMapping{EntityAProperty: "p", EntityBIDKeyProperty: "a"}

	all := findMatchingKeyMappings(reference, target, mustHave, 0)
	assert.Len(t, all, 6) // b and c over the remaining three targets

	assert.Len(t, findMatchingKeyMappings(reference, target, mustHave, 4), 4)
}

func TestFindMatchingKeyMappings_ListValues(t *testing.T) {
	reference := map[string]models.Value{"name": models.NewString("blue")}
	target := map[string]models.Value{
		"tags": models.NewList(models.NewString("blue"), models.NewString("green")),
	}

	got := findMatchingKeyMappings(reference, target, models.PropertyMapping{EntityAProperty: "tags", EntityBIDKeyProperty: "name"}, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "tags", got[0][0].EntityAProperty)
}

func TestGetIdentityKeys(t *testing.T) {
	data, _ := newTestGraphs(t)
	p := newTestProcessor(t, data)
	e := &models.Entity{
		Type:                    "user",
		PrimaryKeyProperties:    []string{"id"},
		AdditionalKeyProperties: [][]string{{"email"}, {"tenant", "login"}, {"missing"}},
		Properties: strValues(
			"id", "42",
			"email", "ann@example.com",
			"tenant", "acme",
			"login", "ann",
		),
	}

	all := p.GetIdentityKeys(e, nil)
	require.Len(t, all, 3)
	assert.Equal(t, strValues("id", "42"), all[0])
	assert.Equal(t, strValues("email", "ann@example.com"), all[1])
	assert.Equal(t, strValues("tenant", "acme", "login", "ann"), all[2])

	v := models.NewString("acme")
	filtered := p.GetIdentityKeys(e, &v)
	require.Len(t, filtered, 1)
	assert.Contains(t, filtered[0], "login")

	none := models.NewString("nobody")
	assert.Empty(t, p.GetIdentityKeys(e, &none))
}

func TestTargetedFuzzySearch_RequiresSearchedValueHit(t *testing.T) {
	ctx := context.Background()
	data, _ := newTestGraphs(t)
	source := appEntity("test_app", "app1", "dev-cluster")
	seedEntities(t, data, nsEntity("app1", "dev-cluster"), nsEntity("app2", "dev-cluster"), source)
	p := newTestProcessor(t, data)

	matches, err := p.TargetedFuzzySearch(ctx, source, "namespace", models.NewString("app1"))
	require.NoError(t, err)

	refs := map[string]string{}
	for _, m := range matches {
		refs[m.Entity.Type] = m.Entity.PrimaryKey()
	}
	assert.Equal(t, "app1|dev-cluster", refs["namespace"])

	// only the shared cluster value hits, so nothing survives
	matches, err = p.TargetedFuzzySearch(ctx, source, "namespace", models.NewString("app9"))
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotEqual(t, "namespace", m.Entity.Type)
	}
}

func TestTargetedFuzzySearch_IdentityKeyProperty(t *testing.T) {
	ctx := context.Background()
	data, _ := newTestGraphs(t)
	source := nsEntity("app1", "dev-cluster")
	seedEntities(t, data, source, appEntity("test_app", "app1", "dev-cluster"), clusterEntity("dev-cluster"))
	p := newTestProcessor(t, data)

	matches, err := p.TargetedFuzzySearch(ctx, source, "cluster_name", models.NewString("dev-cluster"))
	require.NoError(t, err)

	types := map[string]bool{}
	for _, m := range matches {
		assert.False(t, types[m.Entity.Type], "one result per type")
		types[m.Entity.Type] = true
	}
	assert.True(t, types["cluster"])
}

func TestDeepPropertyMatch_CompositeKeyRecovery(t *testing.T) {
	data, _ := newTestGraphs(t)
	p := newTestProcessor(t, data)
	source := appEntity("test_app", "app1", "dev-cluster")
	ns := nsEntity("app1", "dev-cluster")

	got := p.DeepPropertyMatch(source, "namespace", models.NewString("app1"), []graph.FuzzyMatch{
		{Entity: source, Score: 10},
		{Entity: ns, Score: 10},
	})

	require.Len(t, got, 1)
	assert.Equal(t, "namespace", got[0].EntityB.Type)
	assert.ElementsMatch(t, appToNamespace, got[0].PropertyMappings)
	assert.Equal(t, []string{"cluster_name", "name"}, got[0].PropertiesInCompositeIDKey)
}

func TestDeepPropertyMatch_AmbiguousSourcesYieldTwoMappings(t *testing.T) {
	data, _ := newTestGraphs(t)
	p := newTestProcessor(t, data)
	source := &models.Entity{
		Type:                 "deployment",
		PrimaryKeyProperties: []string{"name"},
		Properties: strValues(
			"name", "web",
			"namespace", "app1",
			"cluster_name", "dev",
			"home_cluster", "dev",
		),
	}
	ns := nsEntity("app1", "dev")

	got := p.DeepPropertyMatch(source, "namespace", models.NewString("app1"), []graph.FuzzyMatch{{Entity: ns, Score: 10}})

	require.Len(t, got, 2)
	assert.NotEqual(t,
		GenerateRelationID("deployment", "namespace", got[0].PropertyMappings),
		GenerateRelationID("deployment", "namespace", got[1].PropertyMappings))
}

func TestDeepPropertyMatch_SkipsSameType(t *testing.T) {
	data, _ := newTestGraphs(t)
	p := newTestProcessor(t, data)
	a := appEntity("a", "app1", "dev")
	b := appEntity("app1", "x", "dev")

	assert.Empty(t, p.DeepPropertyMatch(a, "namespace", models.NewString("app1"), []graph.FuzzyMatch{{Entity: b, Score: 10}}))
}

func TestProcess_CountsRelationOncePerCall(t *testing.T) {
	ctx := context.Background()
	data, ontology := newTestGraphs(t)
	source := appEntity("test_app", "app1", "dev-cluster")
	seedEntities(t, data, nsEntity("app1", "dev-cluster"), nsEntity("app2", "dev-cluster"), source)
	p := newTestProcessor(t, data)
	mgr := NewRelationCandidateManager(data, ontology, "v1", false, testSettings(), zap.NewNop())
	id := GenerateRelationID("app", "namespace", appToNamespace)

	// namespace and cluster_name both resolve to the same relation
	result, err := p.Process(ctx, source, mgr)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, result.RelationIDs)
	assert.Equal(t, 3, result.PropertiesSearched)

	c, err := mgr.FetchCandidate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Heuristic.Count)
	assert.Equal(t, []models.ExampleMatch{{PrimaryKeyA: "test_app", PrimaryKeyB: "app1|dev-cluster"}}, c.Heuristic.ExampleMatches)

	_, err = p.Process(ctx, source, mgr)
	require.NoError(t, err)
	c, err = mgr.FetchCandidate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Heuristic.Count)
}

func TestProcess_ListValuesExploded(t *testing.T) {
	ctx := context.Background()
	data, ontology := newTestGraphs(t)
	source := &models.Entity{
		Type:                 "service",
		PrimaryKeyProperties: []string{"name"},
		Properties: map[string]models.Value{
			"name":     models.NewString("checkout"),
			"clusters": models.NewList(models.NewString("east"), models.NewString("west")),
			"_raw":     models.NewString("east"),
		},
	}
	seedEntities(t, data, source, clusterEntity("east"), clusterEntity("west"))
	p := newTestProcessor(t, data)
	mgr := NewRelationCandidateManager(data, ontology, "v1", false, testSettings(), zap.NewNop())

	result, err := p.Process(ctx, source, mgr)
	require.NoError(t, err)
	assert.Equal(t, 3, result.PropertiesSearched)

	id := GenerateRelationID("service", "cluster", []models.PropertyMapping{{EntityAProperty: "clusters", EntityBIDKeyProperty: "name"}})
	require.Contains(t, result.RelationIDs, id)
	c, err := mgr.FetchCandidate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Heuristic.Count)
}
