package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontology-engine/pkg/audit"
	"github.com/ekaya-inc/ontology-engine/pkg/database"
	"github.com/ekaya-inc/ontology-engine/pkg/logging"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
	sqlguard "github.com/ekaya-inc/ontology-engine/pkg/sql"
)

// PostgresStore is the GraphStore backed by the graph_entities and
// graph_relations tables. Several graphs share the tables, keyed by name.
type PostgresStore struct {
	db     *database.DB
	graph  string
	opts    Options
	auditor *audit.Auditor
	logger  *zap.Logger
}

var _ GraphStore = (*PostgresStore)(nil)

// NewPostgresStore creates a store for one named graph.
func NewPostgresStore(db *database.DB, graphName string, opts Options, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		graph:  graphName,
		opts:    opts.withDefaults(),
		auditor: audit.NewAuditor(logger),
		logger:  logger.Named("postgres-graph").With(zap.String("graph", graphName)),
	}
}

const entityColumns = `entity_type, primary_key_properties, additional_keys, properties, updated_at`

func scanEntity(row pgx.Row) (*models.Entity, error) {
	var (
		e               models.Entity
		pk, ak, rawJSON []byte
	)
	if err := row.Scan(&e.Type, &pk, &ak, &rawJSON, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeEntityParts(&e, pk, ak, rawJSON); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntities(rows pgx.Rows) ([]*models.Entity, error) {
	defer rows.Close()
	var out []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// filterJSON renders an entity filter for jsonb containment. Containment is
// looser than equality for lists, so callers re-check with filter.Matches.
func filterJSON(filter models.EntityFilter) ([]byte, error) {
	if len(filter) == 0 {
		return []byte(`{}`), nil
	}
	return json.Marshal(filter)
}

func (s *PostgresStore) GetAllEntityTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT entity_type FROM graph_entities WHERE graph = $1 ORDER BY entity_type`, s.graph)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity types: %w", err)
	}
	types, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list entity types: %w", err)
	}
	return types, nil
}

func (s *PostgresStore) FindEntities(ctx context.Context, entityType string, filter models.EntityFilter, max int) ([]*models.Entity, error) {
	fj, err := filterJSON(filter)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT ` + entityColumns + `
		FROM graph_entities
		WHERE graph = $1 AND entity_type = $2 AND properties @> $3::jsonb
		ORDER BY entity_key`
	rows, err := s.db.Query(ctx, query, s.graph, entityType, fj)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s entities: %w", entityType, err)
	}
	all, err := scanEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s entities: %w", entityType, err)
	}

	out := all[:0]
	for _, e := range all {
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, entityType, after string, limit int) ([]*models.Entity, error) {
	query := `
		SELECT ` + entityColumns + `
		FROM graph_entities
		WHERE graph = $1 AND entity_type = $2 AND entity_key > $3
		ORDER BY entity_key`
	args := []any{s.graph, entityType, after}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entities: %w", entityType, err)
	}
	out, err := scanEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s entities: %w", entityType, err)
	}
	return out, nil
}

func (s *PostgresStore) FetchEntity(ctx context.Context, entityType, primaryKey string) (*models.Entity, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+entityColumns+`
		FROM graph_entities
		WHERE graph = $1 AND entity_type = $2 AND entity_key = $3`,
		s.graph, entityType, primaryKey)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entity %s/%s: %w", entityType, primaryKey, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entity %s/%s: %w", entityType, primaryKey, err)
	}
	return e, nil
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, entity *models.Entity) error {
	if err := validateEntity(entity); err != nil {
		return err
	}
	if entity.UpdatedAt.IsZero() {
		entity.UpdatedAt = time.Now().UTC()
	}
	pkJSON, err := json.Marshal(entity.PrimaryKeyProperties)
	if err != nil {
		return err
	}
	additional := entity.AdditionalKeyProperties
	if additional == nil {
		additional = [][]string{}
	}
	akJSON, err := json.Marshal(additional)
	if err != nil {
		return err
	}
	props, err := json.Marshal(entity.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO graph_entities (graph, entity_type, entity_key, primary_key_properties,
		                            additional_keys, properties, search_values, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (graph, entity_type, entity_key) DO UPDATE SET
			primary_key_properties = EXCLUDED.primary_key_properties,
			additional_keys = EXCLUDED.additional_keys,
			properties = EXCLUDED.properties,
			search_values = EXCLUDED.search_values,
			updated_at = EXCLUDED.updated_at`,
		s.graph, entity.Type, entity.PrimaryKey(), pkJSON, akJSON, props,
		searchableValues(entity), entity.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", entity.Ref(), err)
	}
	return nil
}

// FuzzySearch pre-selects entities whose search values are trigram-similar to
// any searched value, then scores them with the same scorer as the embedded store.
func (s *PostgresStore) FuzzySearch(ctx context.Context, rows []WeightedValue, typeFilter []string, perType int) ([]FuzzyMatch, error) {
	needles := make([]string, 0, len(rows))
	for _, r := range rows {
		if v := strings.ToLower(strings.TrimSpace(r.Value)); v != "" {
			needles = append(needles, v)
		}
	}
	if len(needles) == 0 {
		return nil, nil
	}
	types := normalizeTypes(typeFilter)

	query := `
		SELECT ` + entityColumns + `
		FROM graph_entities e
		WHERE e.graph = $1
		  AND (cardinality($2::text[]) = 0 OR e.entity_type = ANY($2))
		  AND (e.search_values && $3::text[] OR EXISTS (
		        SELECT 1 FROM unnest(e.search_values) sv, unnest($3::text[]) n
		        WHERE similarity(sv, n) >= $4))
		LIMIT $5`
	result, err := s.db.Query(ctx, query, s.graph, types, needles, s.opts.MinSimilarity/2, s.opts.FuzzyCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to run fuzzy search: %w", err)
	}
	candidates, err := scanEntities(result)
	if err != nil {
		return nil, fmt.Errorf("failed to scan fuzzy candidates: %w", err)
	}

	var matches []FuzzyMatch
	for _, e := range candidates {
		if !typeAllowed(types, e.Type) {
			continue
		}
		if score, relevance, ok := ScoreEntity(rows, e, s.opts.MinSimilarity); ok {
			matches = append(matches, FuzzyMatch{Entity: e, Score: score, Relevance: relevance})
		}
	}
	return RankMatches(matches, perType), nil
}

// propertyValues streams one property of every matching entity to fn until fn returns false.
func (s *PostgresStore) propertyValues(ctx context.Context, entityType, property string, filter models.EntityFilter, fn func(models.Value) bool) error {
	fj, err := filterJSON(filter)
	if err != nil {
		return err
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+entityColumns+`
		FROM graph_entities
		WHERE graph = $1 AND entity_type = $2 AND properties ? $3 AND properties @> $4::jsonb
		ORDER BY entity_key`,
		s.graph, entityType, property, fj)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return err
		}
		if !filter.Matches(e) {
			continue
		}
		v := e.Properties[property]
		if v.IsEmpty() {
			continue
		}
		if !fn(v) {
			return nil
		}
	}
	return rows.Err()
}

func (s *PostgresStore) GetPropertyValueCount(ctx context.Context, entityType, property string, filter models.EntityFilter) (int, error) {
	count := 0
	err := s.propertyValues(ctx, entityType, property, filter, func(models.Value) bool {
		count++
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s.%s: %w", entityType, property, err)
	}
	return count, nil
}

func (s *PostgresStore) GetValuesOfMatchingProperty(ctx context.Context, entityType, property string, filter models.EntityFilter, max int) ([]models.Value, error) {
	seen := make(map[string]struct{})
	var values []models.Value
	err := s.propertyValues(ctx, entityType, property, filter, func(v models.Value) bool {
		if _, ok := seen[v.Key()]; ok {
			return true
		}
		seen[v.Key()] = struct{}{}
		values = append(values, v)
		return max <= 0 || len(values) < max
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s.%s: %w", entityType, property, err)
	}
	return values, nil
}

const relationColumns = `id, from_type, from_key, to_type, to_key, name, relation_id,
	heuristics_version, confidence, properties, updated_at`

func scanRelations(rows pgx.Rows) ([]*models.Relation, error) {
	defer rows.Close()
	var out []*models.Relation
	for rows.Next() {
		var (
			r     models.Relation
			props []byte
		)
		if err := rows.Scan(&r.ID, &r.From.Type, &r.From.Key, &r.To.Type, &r.To.Key, &r.Name,
			&r.RelationID, &r.Version, &r.Confidence, &props, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if len(props) > 0 {
			if err := json.Unmarshal(props, &r.Properties); err != nil {
				return nil, fmt.Errorf("decode relation properties: %w", err)
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// relationWhere renders a filter as a WHERE clause over graph_relations.
func (s *PostgresStore) relationWhere(filter models.RelationFilter) (string, []any) {
	conds := []string{"graph = $1"}
	args := []any{s.graph}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.From != nil {
		add("from_type = $%d", filter.From.Type)
		add("from_key = $%d", filter.From.Key)
	}
	if filter.To != nil {
		add("to_type = $%d", filter.To.Type)
		add("to_key = $%d", filter.To.Key)
	}
	if filter.FromType != "" {
		add("from_type = $%d", filter.FromType)
	}
	if filter.ToType != "" {
		add("to_type = $%d", filter.ToType)
	}
	if filter.Name != "" {
		add("name = $%d", filter.Name)
	}
	if filter.RelationID != "" {
		add("relation_id = $%d", filter.RelationID)
	}
	if filter.Version != "" {
		add("heuristics_version = $%d", filter.Version)
	}
	if filter.ExcludeVersion != "" {
		add("heuristics_version <> $%d", filter.ExcludeVersion)
	}
	if filter.TaggedOnly {
		conds = append(conds, "relation_id <> ''")
	}
	return strings.Join(conds, " AND "), args
}

func (s *PostgresStore) GetRelation(ctx context.Context, id string) (*models.Relation, error) {
	rows, err := s.db.Query(ctx, `SELECT `+relationColumns+` FROM graph_relations WHERE graph = $1 AND id = $2`, s.graph, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get relation %s: %w", id, err)
	}
	rels, err := scanRelations(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan relation %s: %w", id, err)
	}
	if len(rels) == 0 {
		return nil, fmt.Errorf("relation %s: %w", id, apperrors.ErrNotFound)
	}
	return rels[0], nil
}

func (s *PostgresStore) FindRelations(ctx context.Context, filter models.RelationFilter) ([]*models.Relation, error) {
	where, args := s.relationWhere(filter)
	query := `SELECT ` + relationColumns + ` FROM graph_relations WHERE ` + where + ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}
	rels, err := scanRelations(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan relations: %w", err)
	}
	return rels, nil
}

const upsertRelation = `
	INSERT INTO graph_relations (graph, id, from_type, from_key, to_type, to_key, name,
	                             relation_id, heuristics_version, confidence, properties, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (graph, id) DO UPDATE SET
		from_type = EXCLUDED.from_type,
		from_key = EXCLUDED.from_key,
		to_type = EXCLUDED.to_type,
		to_key = EXCLUDED.to_key,
		name = EXCLUDED.name,
		relation_id = EXCLUDED.relation_id,
		heuristics_version = EXCLUDED.heuristics_version,
		confidence = EXCLUDED.confidence,
		properties = EXCLUDED.properties,
		updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) relationArgs(rel *models.Relation) ([]any, error) {
	props := rel.Properties
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encode relation properties: %w", err)
	}
	return []any{s.graph, rel.ID, rel.From.Type, rel.From.Key, rel.To.Type, rel.To.Key, rel.Name,
		rel.RelationID, rel.Version, rel.Confidence, raw, rel.UpdatedAt}, nil
}

func (s *PostgresStore) UpdateRelation(ctx context.Context, rel *models.Relation) error {
	if rel == nil || rel.From.Type == "" || rel.To.Type == "" || rel.Name == "" {
		return fmt.Errorf("relation needs both endpoints and a name: %w", apperrors.ErrValidation)
	}
	rel.EnsureID()
	rel.UpdatedAt = time.Now().UTC()
	args, err := s.relationArgs(rel)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, upsertRelation, args...); err != nil {
		return fmt.Errorf("failed to upsert relation %s: %w", rel.ID, err)
	}
	return nil
}

func (s *PostgresStore) RemoveRelations(ctx context.Context, filter models.RelationFilter) (int, error) {
	where, args := s.relationWhere(filter)
	tag, err := s.db.Exec(ctx, `DELETE FROM graph_relations WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to remove relations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RelateEntitiesByProperty lets PostgreSQL pair candidates with jsonb
// containment in both directions, then confirms each pair with IsMatching
// before writing the edges in one batch.
func (s *PostgresStore) RelateEntitiesByProperty(ctx context.Context, req RelateRequest) (int, error) {
	if err := validateRelateRequest(req); err != nil {
		return 0, err
	}

	args := []any{s.graph, req.FromType, req.ToType}
	conds := make([]string, 0, len(req.Mappings))
	for _, m := range req.Mappings {
		args = append(args, m.EntityAProperty, m.EntityBIDKeyProperty)
		a := fmt.Sprintf("a.properties->$%d", len(args)-1)
		b := fmt.Sprintf("b.properties->$%d", len(args))
		conds = append(conds, fmt.Sprintf("(%s @> %s OR %s @> %s)", a, b, b, a))
	}
	query := `
		SELECT a.entity_type, a.primary_key_properties, a.additional_keys, a.properties, a.updated_at,
		       b.entity_type, b.primary_key_properties, b.additional_keys, b.properties, b.updated_at
		FROM graph_entities a
		JOIN graph_entities b ON b.graph = a.graph AND b.entity_type = $3
		WHERE a.graph = $1 AND a.entity_type = $2
		  AND NOT (a.entity_type = b.entity_type AND a.entity_key = b.entity_key)
		  AND ` + strings.Join(conds, " AND ")

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to pair %s with %s: %w", req.FromType, req.ToType, err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for rows.Next() {
		var (
			a, b           models.Entity
			aPK, aAK, aRaw []byte
			bPK, bAK, bRaw []byte
		)
		if err := rows.Scan(&a.Type, &aPK, &aAK, &aRaw, &a.UpdatedAt,
			&b.Type, &bPK, &bAK, &bRaw, &b.UpdatedAt); err != nil {
			return 0, fmt.Errorf("failed to scan entity pair: %w", err)
		}
		if err := decodeEntityParts(&a, aPK, aAK, aRaw); err != nil {
			return 0, err
		}
		if err := decodeEntityParts(&b, bPK, bAK, bRaw); err != nil {
			return 0, err
		}
		if !mappingsMatch(&a, &b, req.Mappings) {
			continue
		}
		rel := newMaterializedRelation(req, a.Ref(), b.Ref(), now)
		relArgs, err := s.relationArgs(rel)
		if err != nil {
			return 0, err
		}
		batch.Queue(upsertRelation, relArgs...)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to pair %s with %s: %w", req.FromType, req.ToType, err)
	}
	rows.Close()

	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("failed to write relations: %w", err)
	}
	return batch.Len(), nil
}

func decodeEntityParts(e *models.Entity, pk, ak, raw []byte) error {
	if err := json.Unmarshal(pk, &e.PrimaryKeyProperties); err != nil {
		return fmt.Errorf("decode primary key properties: %w", err)
	}
	if err := json.Unmarshal(ak, &e.AdditionalKeyProperties); err != nil {
		return fmt.Errorf("decode additional keys: %w", err)
	}
	if err := json.Unmarshal(raw, &e.Properties); err != nil {
		return fmt.Errorf("decode properties: %w", err)
	}
	return nil
}

// RawQuery runs a single read-only statement. Parameters are referenced as
// {{name}} placeholders and string values are screened for injection patterns.
func (s *PostgresStore) RawQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	validated := sqlguard.ValidateAndNormalize(query)
	if validated.Error != nil {
		return nil, fmt.Errorf("%v: %w", validated.Error, apperrors.ErrValidation)
	}
	if validated.NormalizedSQL == "" {
		return nil, fmt.Errorf("empty query: %w", apperrors.ErrValidation)
	}
	if found := sqlguard.CheckAllParameters(params); len(found) > 0 {
		for _, f := range found {
			s.auditor.LogInjectionAttempt(ctx, audit.InjectionDetails{
				ParamName:   f.ParamName,
				ParamValue:  fmt.Sprint(params[f.ParamName]),
				Fingerprint: f.Fingerprint,
			})
		}
		return nil, fmt.Errorf("parameter %q looks like SQL injection: %w", found[0].ParamName, apperrors.ErrValidation)
	}
	stmt, args, err := sqlguard.SubstituteParameters(validated.NormalizedSQL, params)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, apperrors.ErrValidation)
	}
	s.logger.Debug("Running raw query", zap.String("query", logging.SanitizeQuery(stmt)), zap.Int("args", len(args)))

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run raw query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read raw query row: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read raw query rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) neighbors(ctx context.Context, ref models.EntityRef) ([]*models.Relation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+relationColumns+`
		FROM graph_relations
		WHERE graph = $1
		  AND ((from_type = $2 AND from_key = $3) OR (to_type = $2 AND to_key = $3))
		ORDER BY id`,
		s.graph, ref.Type, ref.Key)
	if err != nil {
		return nil, err
	}
	return scanRelations(rows)
}

func (s *PostgresStore) ShortestPath(ctx context.Context, from, to models.EntityRef, maxDepth int) ([]*models.Relation, error) {
	return shortestPath(ctx, from, to, maxDepth, s.neighbors)
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error {
	return nil
}
