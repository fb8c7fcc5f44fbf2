package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontology-engine/pkg/config"
	"github.com/ekaya-inc/ontology-engine/pkg/graph"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
)

// DeepPropertyMatch is a verified correspondence: the identity key set of
// EntityB is fully reproducible from the source entity's own properties.
type DeepPropertyMatch struct {
	EntityB                    *models.Entity
	PropertyMappings           []models.PropertyMapping
	PropertiesInCompositeIDKey []string
}

// ProcessResult summarizes one entity's contribution to the candidate set.
type ProcessResult struct {
	PropertiesSearched int      `json:"properties_searched"`
	RelationIDs        []string `json:"relation_ids"`
}

// HeuristicsProcessor turns one entity's property values into relation
// candidate evidence.
type HeuristicsProcessor interface {
	TargetedFuzzySearch(ctx context.Context, entity *models.Entity, property string, value models.Value) ([]graph.FuzzyMatch, error)
	GetIdentityKeys(entity *models.Entity, value *models.Value) []map[string]models.Value
	FindMatchingKeyMappings(reference, target map[string]models.Value, mustHave models.PropertyMapping) [][]models.PropertyMapping
	DeepPropertyMatch(entity *models.Entity, property string, value models.Value, matches []graph.FuzzyMatch) []DeepPropertyMatch
	Process(ctx context.Context, entity *models.Entity, mgr RelationCandidateManager) (*ProcessResult, error)
}

type heuristicsProcessor struct {
	data     graph.GraphStore
	locks    *RelationLocks
	settings config.OntologyConfig
	logger   *zap.Logger
}

// NewHeuristicsProcessor creates a processor reading from the data graph. The
// lock table is shared with whatever else updates candidates concurrently.
func NewHeuristicsProcessor(data graph.GraphStore, locks *RelationLocks, settings config.OntologyConfig, logger *zap.Logger) HeuristicsProcessor {
	settings = withOntologyDefaults(settings)
	if locks == nil {
		locks = NewRelationLocks(settings.LockShards)
	}
	return &heuristicsProcessor{
		data:     data,
		locks:    locks,
		settings: settings,
		logger:   logger.Named("heuristics"),
	}
}

var _ HeuristicsProcessor = (*heuristicsProcessor)(nil)

// TargetedFuzzySearch finds the best entity of every type for one property
// value. When the property is part of an identity key only that key set's
// values are searched, so shared fragments of composite keys elsewhere in the
// entity do not pull in unrelated matches.
func (p *heuristicsProcessor) TargetedFuzzySearch(ctx context.Context, entity *models.Entity, property string, value models.Value) ([]graph.FuzzyMatch, error) {
	boost := p.settings.FuzzyBoostWeight
	needle := value.String()
	rows := []graph.WeightedValue{{Value: needle, Weight: boost}}
	seen := map[string]struct{}{strings.ToLower(needle): {}}
	addRow := func(v models.Value) {
		for _, item := range v.Items() {
			if item.IsEmpty() {
				continue
			}
			s := item.String()
			if _, ok := seen[strings.ToLower(s)]; ok {
				continue
			}
			seen[strings.ToLower(s)] = struct{}{}
			rows = append(rows, graph.WeightedValue{Value: s, Weight: 1})
		}
	}

	keySet := keySetContaining(entity, property)
	if keySet != nil {
		for _, name := range keySet {
			if name != property {
				addRow(entity.Properties[name])
			}
		}
	} else {
		for _, name := range entity.SortedPropertyNames() {
			addRow(entity.Properties[name])
		}
	}

	matches, err := p.data.FuzzySearch(ctx, rows, nil, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to fuzzy search %s.%s: %w", entity.Type, property, err)
	}
	if keySet != nil {
		return matches, nil
	}

	kept := matches[:0]
	for _, m := range matches {
		if m.Score >= boost-1e-9 {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

func keySetContaining(entity *models.Entity, property string) []string {
	for _, keys := range entity.IdentityKeySets() {
		for _, k := range keys {
			if k == property {
				return keys
			}
		}
	}
	return nil
}

// GetIdentityKeys returns the primary key dict followed by each alternate key
// set dict. With a value, only sets holding a matching value are returned.
// Sets with a missing member are skipped; they can never be reproduced.
func (p *heuristicsProcessor) GetIdentityKeys(entity *models.Entity, value *models.Value) []map[string]models.Value {
	var out []map[string]models.Value
	for _, keys := range entity.IdentityKeySets() {
		dict := make(map[string]models.Value, len(keys))
		complete, holds := true, value == nil
		for _, k := range keys {
			v := entity.Properties[k]
			if v.IsEmpty() {
				complete = false
				break
			}
			dict[k] = v
			if value != nil && models.IsMatching(v, *value) {
				holds = true
			}
		}
		if complete && holds {
			out = append(out, dict)
		}
	}
	return out
}

// FindMatchingKeyMappings enumerates every injective assignment of reference
// keys to target properties where each pair matches and mustHave is part of
// the assignment. Mappings are sorted by reference key and the result is
// capped at MaxKeyMappings.
func (p *heuristicsProcessor) FindMatchingKeyMappings(reference, target map[string]models.Value, mustHave models.PropertyMapping) [][]models.PropertyMapping {
	return findMatchingKeyMappings(reference, target, mustHave, p.settings.MaxKeyMappings)
}

func findMatchingKeyMappings(reference, target map[string]models.Value, mustHave models.PropertyMapping, limit int) [][]models.PropertyMapping {
	forcedRef, forcedTarget := mustHave.EntityBIDKeyProperty, mustHave.EntityAProperty
	refVal, ok := reference[forcedRef]
	if !ok {
		return nil
	}
	if tv, ok := target[forcedTarget]; !ok || !models.IsMatching(refVal, tv) {
		return nil
	}
	if len(reference) > len(target) {
		return nil
	}

	refKeys := sortedValueKeys(reference)
	targetKeys := sortedValueKeys(target)

	// options per reference key, computed once
	options := make([][]string, len(refKeys))
	for i, rk := range refKeys {
		if rk == forcedRef {
			options[i] = []string{forcedTarget}
			continue
		}
		for _, tk := range targetKeys {
			if tk != forcedTarget && models.IsMatching(reference[rk], target[tk]) {
				options[i] = append(options[i], tk)
			}
		}
		if len(options[i]) == 0 {
			return nil
		}
	}

	var (
		results [][]models.PropertyMapping
		current = make([]models.PropertyMapping, len(refKeys))
		used    = make(map[string]bool, len(refKeys))
		seen    = make(map[string]struct{})
	)
	var assign func(i int) bool
	assign = func(i int) bool {
		if i == len(refKeys) {
			key := mappingKey(current)
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				results = append(results, append([]models.PropertyMapping(nil), current...))
			}
			return limit <= 0 || len(results) < limit
		}
		for _, tk := range options[i] {
			if used[tk] {
				continue
			}
			used[tk] = true
			current[i] = models.PropertyMapping{EntityAProperty: tk, EntityBIDKeyProperty: refKeys[i]}
			more := assign(i + 1)
			used[tk] = false
			if !more {
				return false
			}
		}
		return true
	}
	assign(0)
	return results
}

func sortedValueKeys(m map[string]models.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mappingKey(mappings []models.PropertyMapping) string {
	parts := make([]string, len(mappings))
	for i, m := range mappings {
		parts[i] = m.EntityAProperty + "\x00" + m.EntityBIDKeyProperty
	}
	sort.Strings(parts)
	return strings.Join(parts, "\x01")
}

// DeepPropertyMatch checks each fuzzy match structurally. Matches of the
// entity's own type are dropped; self relations are not discovered.
func (p *heuristicsProcessor) DeepPropertyMatch(entity *models.Entity, property string, value models.Value, matches []graph.FuzzyMatch) []DeepPropertyMatch {
	target := entity.NonInternalProperties()
	target[property] = value

	var out []DeepPropertyMatch
	seen := make(map[string]struct{})
	for _, m := range matches {
		b := m.Entity
		if b == nil || b.Type == entity.Type {
			continue
		}
		for _, reference := range p.GetIdentityKeys(b, &value) {
			composite := sortedValueKeys(reference)
			for _, refKey := range composite {
				if !models.IsMatching(reference[refKey], value) {
					continue
				}
				mustHave := models.PropertyMapping{EntityAProperty: property, EntityBIDKeyProperty: refKey}
				for _, mappings := range p.FindMatchingKeyMappings(reference, target, mustHave) {
					key := b.Type + "\x02" + mappingKey(mappings)
					if _, dup := seen[key]; dup {
						continue
					}
					seen[key] = struct{}{}
					out = append(out, DeepPropertyMatch{
						EntityB:                    b,
						PropertyMappings:           mappings,
						PropertiesInCompositeIDKey: composite,
					})
				}
			}
		}
	}
	return out
}

// Process records every relation candidate the entity supports. A relation
// id is counted at most once per call even when several property values
// resolve to it.
func (p *heuristicsProcessor) Process(ctx context.Context, entity *models.Entity, mgr RelationCandidateManager) (*ProcessResult, error) {
	if entity == nil {
		return nil, fmt.Errorf("nil entity: %w", apperrors.ErrValidation)
	}
	result := &ProcessResult{}
	counted := make(map[string]struct{})
	primaryKey := entity.PrimaryKey()

	for _, property := range entity.SortedPropertyNames() {
		for _, value := range entity.Properties[property].Items() {
			if value.IsEmpty() {
				continue
			}
			result.PropertiesSearched++

			matches, err := p.TargetedFuzzySearch(ctx, entity, property, value)
			if err != nil {
				return result, err
			}
			for _, dm := range p.DeepPropertyMatch(entity, property, value, matches) {
				relationID := GenerateRelationID(entity.Type, dm.EntityB.Type, dm.PropertyMappings)
				if _, done := counted[relationID]; done {
					continue
				}
				counted[relationID] = struct{}{}

				match := HeuristicMatch{
					EntityAType:                entity.Type,
					EntityBType:                dm.EntityB.Type,
					EntityAProperty:            property,
					PropertyMappings:           dm.PropertyMappings,
					PropertiesInCompositeIDKey: dm.PropertiesInCompositeIDKey,
					Example:                    models.ExampleMatch{PrimaryKeyA: primaryKey, PrimaryKeyB: dm.EntityB.PrimaryKey()},
				}
				err := p.locks.With(relationID, func() error {
					_, err := mgr.UpdateHeuristic(ctx, relationID, match)
					return err
				})
				if err != nil {
					return result, fmt.Errorf("failed to update heuristic %s: %w", relationID, err)
				}
				result.RelationIDs = append(result.RelationIDs, relationID)
			}
		}
	}

	p.logger.Debug("Processed entity",
		zap.String("entity_type", entity.Type),
		zap.String("primary_key", primaryKey),
		zap.Int("properties_searched", result.PropertiesSearched),
		zap.Int("relations", len(result.RelationIDs)))
	return result, nil
}
