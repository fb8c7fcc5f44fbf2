package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ekaya-inc/ontology-engine/pkg/database"
)

// HeuristicsVersionKey names the pointer to the heuristics version whose
// candidates and edges are current.
const HeuristicsVersionKey = "ontology:heuristics_version"

// HeuristicsVersionRepository stores the current heuristics version pointer.
// GetCurrentVersion returns "" when no cycle has been promoted yet.
type HeuristicsVersionRepository interface {
	GetCurrentVersion(ctx context.Context) (string, error)
	SetCurrentVersion(ctx context.Context, version string) error
}

// ============================================================================
// Redis
// ============================================================================

type redisVersionRepository struct {
	client *redis.Client
	key    string
}

// NewRedisVersionRepository keeps the pointer in a single Redis string key.
func NewRedisVersionRepository(client *redis.Client, keyPrefix string) HeuristicsVersionRepository {
	return &redisVersionRepository{client: client, key: keyPrefix + HeuristicsVersionKey}
}

var _ HeuristicsVersionRepository = (*redisVersionRepository)(nil)

func (r *redisVersionRepository) GetCurrentVersion(ctx context.Context) (string, error) {
	v, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read heuristics version: %w", err)
	}
	return v, nil
}

func (r *redisVersionRepository) SetCurrentVersion(ctx context.Context, version string) error {
	if err := r.client.Set(ctx, r.key, version, 0).Err(); err != nil {
		return fmt.Errorf("failed to write heuristics version: %w", err)
	}
	return nil
}

// ============================================================================
// PostgreSQL
// ============================================================================

type postgresVersionRepository struct {
	db *database.DB
}

// NewPostgresVersionRepository keeps the pointer in the ontology_state table.
func NewPostgresVersionRepository(db *database.DB) HeuristicsVersionRepository {
	return &postgresVersionRepository{db: db}
}

var _ HeuristicsVersionRepository = (*postgresVersionRepository)(nil)

func (r *postgresVersionRepository) GetCurrentVersion(ctx context.Context) (string, error) {
	var v string
	err := r.db.QueryRow(ctx, `SELECT value FROM ontology_state WHERE key = $1`, HeuristicsVersionKey).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read heuristics version: %w", err)
	}
	return v, nil
}

func (r *postgresVersionRepository) SetCurrentVersion(ctx context.Context, version string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ontology_state (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		HeuristicsVersionKey, version, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write heuristics version: %w", err)
	}
	return nil
}

// ============================================================================
// Badger
// ============================================================================

type badgerVersionRepository struct {
	db *badger.DB
}

// NewBadgerVersionRepository keeps the pointer next to the embedded graph.
func NewBadgerVersionRepository(db *badger.DB) HeuristicsVersionRepository {
	return &badgerVersionRepository{db: db}
}

var _ HeuristicsVersionRepository = (*badgerVersionRepository)(nil)

func (r *badgerVersionRepository) GetCurrentVersion(ctx context.Context) (string, error) {
	var v string
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(HeuristicsVersionKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read heuristics version: %w", err)
	}
	return v, nil
}

func (r *badgerVersionRepository) SetCurrentVersion(ctx context.Context, version string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(HeuristicsVersionKey), []byte(version))
	})
	if err != nil {
		return fmt.Errorf("failed to write heuristics version: %w", err)
	}
	return nil
}
