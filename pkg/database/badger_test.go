package database

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/config"
)

func TestOpenBadger_InMemory(t *testing.T) {
	db, err := OpenBadger(&config.BadgerConfig{InMemory: true, GCIntervalMinutes: 5}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, db.stopGC, "no GC loop for in-memory stores")

	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))
	require.NoError(t, db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			assert.Equal(t, "v", string(val))
			return nil
		})
	}))

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestOpenBadger_OnDiskStartsGC(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenBadger(&config.BadgerConfig{Path: dir + "/store", SyncWrites: true, GCIntervalMinutes: 1}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, db.stopGC)
	require.NoError(t, db.Close())
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(&config.BadgerConfig{}, zap.NewNop())
	assert.Error(t, err)
}
