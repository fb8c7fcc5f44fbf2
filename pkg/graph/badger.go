package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
)

// Key prefixes. Every key continues with the graph name and a 0x00 separator so
// that several graphs can share one Badger database.
const (
	prefixEntity    byte = 0x01
	prefixRelation  byte = 0x02
	prefixAdjacency byte = 0x03
)

// BadgerStore is the embedded GraphStore backed by BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	graph  string
	opts   Options
	ownsDB bool
	logger *zap.Logger
}

var _ GraphStore = (*BadgerStore)(nil)

// NewBadgerStore creates a store for one named graph on a shared database.
// The caller keeps ownership of db.
func NewBadgerStore(db *badger.DB, graphName string, opts Options, logger *zap.Logger) *BadgerStore {
	return &BadgerStore{
		db:     db,
		graph:  graphName,
		opts:   opts.withDefaults(),
		logger: logger.Named("badger-graph").With(zap.String("graph", graphName)),
	}
}

// NewBadgerStoreInMemory opens a private in-memory database, closed with the store.
func NewBadgerStoreInMemory(graphName string, opts Options, logger *zap.Logger) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	s := NewBadgerStore(db, graphName, opts, logger)
	s.ownsDB = true
	return s, nil
}

// ============================================================================
// Key encoding
// ============================================================================

func (s *BadgerStore) prefix(p byte, parts ...string) []byte {
	key := make([]byte, 0, 64)
	key = append(key, p)
	key = append(key, s.graph...)
	key = append(key, 0x00)
	for _, part := range parts {
		key = append(key, part...)
		key = append(key, 0x00)
	}
	return key
}

func (s *BadgerStore) entityKey(entityType, primaryKey string) []byte {
	return append(s.prefix(prefixEntity, entityType), primaryKey...)
}

func (s *BadgerStore) relationKey(id string) []byte {
	return append(s.prefix(prefixRelation), id...)
}

func (s *BadgerStore) adjacencyPrefix(ref models.EntityRef) []byte {
	return s.prefix(prefixAdjacency, ref.Type, ref.Key)
}

func (s *BadgerStore) adjacencyKey(ref models.EntityRef, id string) []byte {
	return append(s.adjacencyPrefix(ref), id...)
}

// prefixSuccessor returns the smallest key greater than every key starting
// with prefix. Prefixes built by prefix() end in 0x00, so this never carries.
func prefixSuccessor(prefix []byte) []byte {
	next := bytes.Clone(prefix)
	for i := len(next) - 1; i >= 0; i-- {
		if next[i] < 0xFF {
			next[i]++
			return next[:i+1]
		}
	}
	return nil
}

func lastSegment(key []byte) string {
	i := bytes.LastIndexByte(key, 0x00)
	return string(key[i+1:])
}

// ============================================================================
// Entities
// ============================================================================

func (s *BadgerStore) GetAllEntityTypes(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	base := s.prefix(prefixEntity)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(base); it.ValidForPrefix(base); {
			if err := ctx.Err(); err != nil {
				return err
			}
			rest := it.Item().KeyCopy(nil)[len(base):]
			end := bytes.IndexByte(rest, 0x00)
			if end < 0 {
				it.Next()
				continue
			}
			entityType := string(rest[:end])
			seen[entityType] = struct{}{}
			// Skip the remaining keys of this type.
			it.Seek(prefixSuccessor(s.prefix(prefixEntity, entityType)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list entity types: %w", err)
	}

	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

// scanEntities calls fn for every entity of the type in key order until fn returns false.
func (s *BadgerStore) scanEntities(ctx context.Context, entityType string, fn func(*models.Entity) bool) error {
	prefix := s.prefix(prefixEntity, entityType)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entity models.Entity
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entity)
			}); err != nil {
				s.logger.Warn("Skipping undecodable entity",
					zap.ByteString("key", it.Item().KeyCopy(nil)),
					zap.Error(err))
				continue
			}
			if !fn(&entity) {
				return nil
			}
		}
		return nil
	})
}

func (s *BadgerStore) FindEntities(ctx context.Context, entityType string, filter models.EntityFilter, max int) ([]*models.Entity, error) {
	var out []*models.Entity
	err := s.scanEntities(ctx, entityType, func(e *models.Entity) bool {
		if !filter.Matches(e) {
			return true
		}
		out = append(out, e)
		return max <= 0 || len(out) < max
	})
	if err != nil {
		return nil, fmt.Errorf("find %s entities: %w", entityType, err)
	}
	return out, nil
}

func (s *BadgerStore) ListEntities(ctx context.Context, entityType, after string, limit int) ([]*models.Entity, error) {
	var out []*models.Entity
	prefix := s.prefix(prefixEntity, entityType)
	start := prefix
	if after != "" {
		start = append(s.entityKey(entityType, after), 0x00)
	}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entity models.Entity
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entity)
			}); err != nil {
				s.logger.Warn("Skipping undecodable entity",
					zap.ByteString("key", it.Item().KeyCopy(nil)),
					zap.Error(err))
				continue
			}
			out = append(out, &entity)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s entities: %w", entityType, err)
	}
	return out, nil
}

func (s *BadgerStore) FetchEntity(ctx context.Context, entityType, primaryKey string) (*models.Entity, error) {
	var entity models.Entity
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.entityKey(entityType, primaryKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entity)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("entity %s/%s: %w", entityType, primaryKey, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch entity %s/%s: %w", entityType, primaryKey, err)
	}
	return &entity, nil
}

func (s *BadgerStore) UpdateEntity(ctx context.Context, entity *models.Entity) error {
	if err := validateEntity(entity); err != nil {
		return err
	}
	if entity.UpdatedAt.IsZero() {
		entity.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encode entity: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.entityKey(entity.Type, entity.PrimaryKey()), data)
	})
}

func validateEntity(entity *models.Entity) error {
	if entity == nil || entity.Type == "" {
		return fmt.Errorf("entity type is required: %w", apperrors.ErrValidation)
	}
	if len(entity.PrimaryKeyProperties) == 0 {
		return fmt.Errorf("entity %s has no primary key properties: %w", entity.Type, apperrors.ErrValidation)
	}
	for _, name := range entity.PrimaryKeyProperties {
		if entity.Properties[name].IsEmpty() {
			return fmt.Errorf("entity %s is missing primary key property %q: %w", entity.Type, name, apperrors.ErrValidation)
		}
	}
	return nil
}

// ============================================================================
// Search and statistics
// ============================================================================

func (s *BadgerStore) FuzzySearch(ctx context.Context, rows []WeightedValue, typeFilter []string, perType int) ([]FuzzyMatch, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	types := normalizeTypes(typeFilter)
	if len(types) == 0 {
		all, err := s.GetAllEntityTypes(ctx)
		if err != nil {
			return nil, err
		}
		types = all
	}

	var matches []FuzzyMatch
	for _, entityType := range types {
		err := s.scanEntities(ctx, entityType, func(e *models.Entity) bool {
			score, relevance, ok := ScoreEntity(rows, e, s.opts.MinSimilarity)
			if ok {
				matches = append(matches, FuzzyMatch{Entity: e, Score: score, Relevance: relevance})
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("fuzzy search %s: %w", entityType, err)
		}
	}
	return RankMatches(matches, perType), nil
}

func (s *BadgerStore) GetPropertyValueCount(ctx context.Context, entityType, property string, filter models.EntityFilter) (int, error) {
	count := 0
	err := s.scanEntities(ctx, entityType, func(e *models.Entity) bool {
		if filter.Matches(e) && !e.Properties[property].IsEmpty() {
			count++
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("count %s.%s: %w", entityType, property, err)
	}
	return count, nil
}

func (s *BadgerStore) GetValuesOfMatchingProperty(ctx context.Context, entityType, property string, filter models.EntityFilter, max int) ([]models.Value, error) {
	seen := make(map[string]struct{})
	var values []models.Value
	err := s.scanEntities(ctx, entityType, func(e *models.Entity) bool {
		v := e.Properties[property]
		if v.IsEmpty() || !filter.Matches(e) {
			return true
		}
		if _, ok := seen[v.Key()]; ok {
			return true
		}
		seen[v.Key()] = struct{}{}
		values = append(values, v)
		return max <= 0 || len(values) < max
	})
	if err != nil {
		return nil, fmt.Errorf("sample %s.%s: %w", entityType, property, err)
	}
	return values, nil
}

// ============================================================================
// Relations
// ============================================================================

func (s *BadgerStore) scanRelations(ctx context.Context, fn func(*models.Relation) bool) error {
	prefix := s.prefix(prefixRelation)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rel models.Relation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rel)
			}); err != nil {
				s.logger.Warn("Skipping undecodable relation",
					zap.ByteString("key", it.Item().KeyCopy(nil)),
					zap.Error(err))
				continue
			}
			if !fn(&rel) {
				return nil
			}
		}
		return nil
	})
}

// relationsOf returns every relation touching ref, using the adjacency index.
func (s *BadgerStore) relationsOf(ctx context.Context, ref models.EntityRef) ([]*models.Relation, error) {
	var rels []*models.Relation
	prefix := s.adjacencyPrefix(ref)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := lastSegment(it.Item().Key())
			item, err := txn.Get(s.relationKey(id))
			if err != nil {
				continue
			}
			var rel models.Relation
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rel)
			}); err != nil {
				continue
			}
			rels = append(rels, &rel)
		}
		return nil
	})
	return rels, err
}

func (s *BadgerStore) GetRelation(ctx context.Context, id string) (*models.Relation, error) {
	var rel models.Relation
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.relationKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rel)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("relation %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get relation %s: %w", id, err)
	}
	return &rel, nil
}

func (s *BadgerStore) FindRelations(ctx context.Context, filter models.RelationFilter) ([]*models.Relation, error) {
	var out []*models.Relation
	collect := func(rel *models.Relation) bool {
		if !filter.Matches(rel) {
			return true
		}
		out = append(out, rel)
		return filter.Limit <= 0 || len(out) < filter.Limit
	}

	var err error
	switch {
	case filter.From != nil || filter.To != nil:
		anchor := filter.From
		if anchor == nil {
			anchor = filter.To
		}
		var rels []*models.Relation
		rels, err = s.relationsOf(ctx, *anchor)
		for _, rel := range rels {
			if !collect(rel) {
				break
			}
		}
	default:
		err = s.scanRelations(ctx, collect)
	}
	if err != nil {
		return nil, fmt.Errorf("find relations: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) UpdateRelation(ctx context.Context, rel *models.Relation) error {
	if rel == nil || rel.From.Type == "" || rel.To.Type == "" || rel.Name == "" {
		return fmt.Errorf("relation needs both endpoints and a name: %w", apperrors.ErrValidation)
	}
	rel.EnsureID()
	rel.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("encode relation: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := s.relationKey(rel.ID)
		if item, err := txn.Get(key); err == nil {
			var old models.Relation
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &old) }); err == nil {
				if err := txn.Delete(s.adjacencyKey(old.From, old.ID)); err != nil {
					return err
				}
				if err := txn.Delete(s.adjacencyKey(old.To, old.ID)); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if err := txn.Set(s.adjacencyKey(rel.From, rel.ID), nil); err != nil {
			return err
		}
		return txn.Set(s.adjacencyKey(rel.To, rel.ID), nil)
	})
}

func (s *BadgerStore) RemoveRelations(ctx context.Context, filter models.RelationFilter) (int, error) {
	filter.Limit = 0
	rels, err := s.FindRelations(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(rels) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, rel := range rels {
		for _, key := range [][]byte{
			s.relationKey(rel.ID),
			s.adjacencyKey(rel.From, rel.ID),
			s.adjacencyKey(rel.To, rel.ID),
		} {
			if err := wb.Delete(key); err != nil {
				return 0, fmt.Errorf("remove relations: %w", err)
			}
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("remove relations: %w", err)
	}
	return len(rels), nil
}

func (s *BadgerStore) RelateEntitiesByProperty(ctx context.Context, req RelateRequest) (int, error) {
	if err := validateRelateRequest(req); err != nil {
		return 0, err
	}
	targets, err := s.FindEntities(ctx, req.ToType, nil, 0)
	if err != nil {
		return 0, err
	}
	index := indexByProperty(targets, req.Mappings[0].EntityBIDKeyProperty)

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	now := time.Now().UTC()
	created := 0
	var writeErr error

	err = s.scanEntities(ctx, req.FromType, func(source *models.Entity) bool {
		for _, target := range index.candidates(source.Properties[req.Mappings[0].EntityAProperty]) {
			if source.Ref() == target.Ref() || !mappingsMatch(source, target, req.Mappings) {
				continue
			}
			rel := newMaterializedRelation(req, source.Ref(), target.Ref(), now)
			data, encErr := json.Marshal(rel)
			if encErr != nil {
				writeErr = encErr
				return false
			}
			for _, kv := range []struct {
				key []byte
				val []byte
			}{
				{s.relationKey(rel.ID), data},
				{s.adjacencyKey(rel.From, rel.ID), nil},
				{s.adjacencyKey(rel.To, rel.ID), nil},
			} {
				if setErr := wb.Set(kv.key, kv.val); setErr != nil {
					writeErr = setErr
					return false
				}
			}
			created++
		}
		return true
	})
	if err == nil {
		err = writeErr
	}
	if err != nil {
		return 0, fmt.Errorf("relate %s to %s: %w", req.FromType, req.ToType, err)
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("relate %s to %s: %w", req.FromType, req.ToType, err)
	}
	return created, nil
}

// RawQuery is not available on the embedded store.
func (s *BadgerStore) RawQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	return nil, fmt.Errorf("raw queries on the badger graph: %w", apperrors.ErrUnsupported)
}

func (s *BadgerStore) ShortestPath(ctx context.Context, from, to models.EntityRef, maxDepth int) ([]*models.Relation, error) {
	return shortestPath(ctx, from, to, maxDepth, s.relationsOf)
}

func (s *BadgerStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// ============================================================================
// Shared relate helpers
// ============================================================================

func validateRelateRequest(req RelateRequest) error {
	if req.FromType == "" || req.ToType == "" || req.Name == "" {
		return fmt.Errorf("relate request needs both types and a name: %w", apperrors.ErrValidation)
	}
	if len(req.Mappings) == 0 {
		return fmt.Errorf("relate request has no property mappings: %w", apperrors.ErrValidation)
	}
	return nil
}

func mappingsMatch(source, target *models.Entity, mappings []models.PropertyMapping) bool {
	for _, m := range mappings {
		if !models.IsMatching(source.Properties[m.EntityAProperty], target.Properties[m.EntityBIDKeyProperty]) {
			return false
		}
	}
	return true
}

func newMaterializedRelation(req RelateRequest, from, to models.EntityRef, now time.Time) *models.Relation {
	rel := &models.Relation{
		From:       from,
		To:         to,
		Name:       req.Name,
		RelationID: req.RelationID,
		Version:    req.Version,
		Confidence: req.Confidence,
		UpdatedAt:  now,
	}
	rel.EnsureID()
	return rel
}

// propertyIndex groups entities by the item keys of one property. Two values
// can only match if they share at least one item, so the index yields every
// possible partner of a value.
type propertyIndex map[string][]*models.Entity

func indexByProperty(entities []*models.Entity, property string) propertyIndex {
	idx := make(propertyIndex)
	for _, e := range entities {
		for _, item := range e.Properties[property].Items() {
			if item.IsEmpty() {
				continue
			}
			idx[item.Key()] = append(idx[item.Key()], e)
		}
	}
	return idx
}

func (idx propertyIndex) candidates(v models.Value) []*models.Entity {
	seen := make(map[models.EntityRef]struct{})
	var out []*models.Entity
	for _, item := range v.Items() {
		if item.IsEmpty() {
			continue
		}
		for _, e := range idx[item.Key()] {
			if _, ok := seen[e.Ref()]; ok {
				continue
			}
			seen[e.Ref()] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}

func normalizeTypes(types []string) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
