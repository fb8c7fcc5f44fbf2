package services

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultLockShards is the lock table size used when none is configured.
const DefaultLockShards = 256

// RelationLocks serializes work on the same relation id with a fixed table of
// mutexes. Two ids can share a shard, which only costs parallelism.
type RelationLocks struct {
	shards []sync.Mutex
}

// NewRelationLocks creates a lock table with n shards.
func NewRelationLocks(n int) *RelationLocks {
	if n <= 0 {
		n = DefaultLockShards
	}
	return &RelationLocks{shards: make([]sync.Mutex, n)}
}

func (l *RelationLocks) shard(relationID string) *sync.Mutex {
	return &l.shards[xxhash.Sum64String(relationID)%uint64(len(l.shards))]
}

// Lock acquires the lock for relationID and returns its release function.
func (l *RelationLocks) Lock(relationID string) (unlock func()) {
	m := l.shard(relationID)
	m.Lock()
	return m.Unlock
}

// With runs fn while holding the lock for relationID.
func (l *RelationLocks) With(relationID string, fn func() error) error {
	defer l.Lock(relationID)()
	return fn()
}
