package database

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/config"
)

// badgerGCDiscardRatio is the value log garbage ratio that triggers a rewrite.
const badgerGCDiscardRatio = 0.5

// BadgerDB wraps an embedded Badger database and its value log GC loop.
type BadgerDB struct {
	*badger.DB
	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// zapBadgerLogger routes Badger's internal logging through zap.
type zapBadgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapBadgerLogger) Errorf(format string, args ...any)   { l.sugar.Errorf(format, args...) }
func (l zapBadgerLogger) Warningf(format string, args ...any) { l.sugar.Warnf(format, args...) }
func (l zapBadgerLogger) Infof(format string, args ...any)    { l.sugar.Debugf(format, args...) }
func (l zapBadgerLogger) Debugf(format string, args ...any)   { l.sugar.Debugf(format, args...) }

// OpenBadger opens the embedded store described by cfg and starts periodic
// value log GC when GCIntervalMinutes is positive and the store is on disk.
func OpenBadger(cfg *config.BadgerConfig, logger *zap.Logger) (*BadgerDB, error) {
	logger = logger.Named("badger")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is required for a persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithLogger(zapBadgerLogger{sugar: logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	b := &BadgerDB{DB: db, logger: logger}
	if !cfg.InMemory && cfg.GCIntervalMinutes > 0 {
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(time.Duration(cfg.GCIntervalMinutes) * time.Minute)
	}

	logger.Info("Opened badger store",
		zap.String("path", cfg.Path),
		zap.Bool("in_memory", cfg.InMemory))
	return b, nil
}

func (b *BadgerDB) runGC(interval time.Duration) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			// keep rewriting while files are reclaimable
			for {
				err := b.DB.RunValueLogGC(badgerGCDiscardRatio)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
					b.logger.Warn("Badger value log GC failed", zap.Error(err))
				}
				break
			}
		}
	}
}

// Close stops GC and closes the database. It is safe to call more than once.
func (b *BadgerDB) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.stopGC != nil {
			close(b.stopGC)
			<-b.gcDone
		}
		err = b.DB.Close()
	})
	return err
}
