// Package graph provides the property-graph stores the relation discovery engine
// reads entities from and writes relations into.
package graph

import (
	"context"

	"github.com/ekaya-inc/ontology-engine/pkg/models"
)

// Graph names of the two store instances used by the engine.
const (
	DataGraph     = "data"
	OntologyGraph = "ontology"
)

// DefaultMinSimilarity is the lowest per-value similarity counted as a fuzzy hit.
const DefaultMinSimilarity = 0.85

// Options tunes store behaviour shared by all backends.
type Options struct {
	// MinSimilarity is the lowest similarity (0-1) at which a searched value is
	// considered a hit on an entity property value.
	MinSimilarity float64
	// FuzzyCandidateLimit caps how many entities a backend pre-selects before scoring.
	FuzzyCandidateLimit int
}

func (o Options) withDefaults() Options {
	if o.MinSimilarity <= 0 || o.MinSimilarity > 1 {
		o.MinSimilarity = DefaultMinSimilarity
	}
	if o.FuzzyCandidateLimit <= 0 {
		o.FuzzyCandidateLimit = 2000
	}
	return o
}

// WeightedValue is one searched value and the weight its hits contribute.
type WeightedValue struct {
	Value  string  `json:"value"`
	Weight float64 `json:"weight"`
}

// FuzzyMatch is an entity returned by FuzzySearch.
// Score is the best single weighted hit; Relevance sums all weighted hits and
// only breaks ties between entities of the same type.
type FuzzyMatch struct {
	Entity    *models.Entity `json:"entity"`
	Score     float64        `json:"score"`
	Relevance float64        `json:"relevance"`
}

// RelateRequest describes the edges RelateEntitiesByProperty materializes:
// one edge from every FromType entity to every ToType entity whose mapped
// properties all match.
type RelateRequest struct {
	FromType   string
	ToType     string
	Mappings   []models.PropertyMapping
	Name       string
	RelationID string
	Version    string
	Confidence float64
}

// GraphStore is the property graph consumed by the discovery engine.
// Implementations must be safe for concurrent use.
type GraphStore interface {
	// GetAllEntityTypes lists every entity type present in the graph.
	GetAllEntityTypes(ctx context.Context) ([]string, error)
	// FindEntities returns entities of a type matching the filter; max <= 0 means no limit.
	FindEntities(ctx context.Context, entityType string, filter models.EntityFilter, max int) ([]*models.Entity, error)
	// ListEntities pages through entities of a type in primary key order,
	// returning up to limit entities whose key sorts after the given key.
	// An empty after starts from the beginning.
	ListEntities(ctx context.Context, entityType, after string, limit int) ([]*models.Entity, error)
	// FetchEntity returns one entity or apperrors.ErrNotFound.
	FetchEntity(ctx context.Context, entityType, primaryKey string) (*models.Entity, error)
	// UpdateEntity creates or replaces an entity.
	UpdateEntity(ctx context.Context, entity *models.Entity) error

	// FuzzySearch scores entities against weighted values, keeping at most
	// perType results per entity type, best first.
	FuzzySearch(ctx context.Context, rows []WeightedValue, typeFilter []string, perType int) ([]FuzzyMatch, error)
	// GetPropertyValueCount counts entities of a type with a non-empty property.
	GetPropertyValueCount(ctx context.Context, entityType, property string, filter models.EntityFilter) (int, error)
	// GetValuesOfMatchingProperty samples up to max distinct values of a property.
	GetValuesOfMatchingProperty(ctx context.Context, entityType, property string, filter models.EntityFilter, max int) ([]models.Value, error)

	// GetRelation returns the relation with the given ID or apperrors.ErrNotFound.
	GetRelation(ctx context.Context, id string) (*models.Relation, error)
	FindRelations(ctx context.Context, filter models.RelationFilter) ([]*models.Relation, error)
	// UpdateRelation upserts a relation keyed by its ID (derived when empty).
	UpdateRelation(ctx context.Context, relation *models.Relation) error
	// RemoveRelations deletes every matching relation and returns how many were removed.
	RemoveRelations(ctx context.Context, filter models.RelationFilter) (int, error)
	// RelateEntitiesByProperty creates the edges described by req and returns how many were written.
	RelateEntitiesByProperty(ctx context.Context, req RelateRequest) (int, error)

	// RawQuery runs a backend-native read query.
	RawQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
	// ShortestPath returns the relations along a shortest undirected path, or
	// apperrors.ErrNotFound when none exists within maxDepth hops.
	ShortestPath(ctx context.Context, from, to models.EntityRef, maxDepth int) ([]*models.Relation, error)

	Close() error
}
