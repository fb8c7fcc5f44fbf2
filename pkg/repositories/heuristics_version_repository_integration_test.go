//go:build integration

package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ontology-engine/pkg/testhelpers"
)

func exerciseVersionRepository(t *testing.T, repo HeuristicsVersionRepository) {
	t.Helper()
	ctx := context.Background()

	v, err := repo.GetCurrentVersion(ctx)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, repo.SetCurrentVersion(ctx, "v1"))
	require.NoError(t, repo.SetCurrentVersion(ctx, "v2"))

	v, err = repo.GetCurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestPostgresVersionRepository(t *testing.T) {
	tdb := testhelpers.GetTestDB(t)
	_, err := tdb.DB.Exec(context.Background(), "DELETE FROM ontology_state WHERE key = $1", HeuristicsVersionKey)
	require.NoError(t, err)

	exerciseVersionRepository(t, NewPostgresVersionRepository(tdb.DB))
}

func TestRedisVersionRepository(t *testing.T) {
	r := testhelpers.GetTestRedis(t)
	require.NoError(t, r.Client.Del(context.Background(), r.Config.KeyPrefix+HeuristicsVersionKey).Err())

	exerciseVersionRepository(t, NewRedisVersionRepository(r.Client, r.Config.KeyPrefix))
}
