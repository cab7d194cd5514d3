// Package idleflush implements the background batch-flush loop (the spec's
// component C4): after a period of write inactivity it drains dirty memory
// cache entries into the persistent store in batches.
package idleflush

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Egham-7/adaptive-proxy/internal/domain"
	"github.com/Egham-7/adaptive-proxy/internal/memcache"
	"github.com/Egham-7/adaptive-proxy/internal/store"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Config controls check cadence, idle threshold, and batch size.
type Config struct {
	Enabled              bool
	IdleTimeoutSeconds   int
	CheckIntervalSeconds int
	BatchWriteSize       int
	OverrideMode         bool
}

// Flusher periodically drains dirty memory-cache entries into the
// persistent store once writes have gone quiet for IdleTimeoutSeconds.
type Flusher struct {
	cfg   Config
	cache *memcache.Cache
	store *store.Store

	lastWrite atomic.Int64 // unix nanos

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a flusher bound to cache and store. Touch must be called by
// the dispatch engine on every C3 write so the flusher knows when the
// cache has gone idle.
func New(cfg Config, cache *memcache.Cache, st *store.Store) *Flusher {
	f := &Flusher{
		cfg:    cfg,
		cache:  cache,
		store:  st,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	f.Touch()
	return f
}

// Touch records a write, resetting the idle timer.
func (f *Flusher) Touch() {
	f.lastWrite.Store(time.Now().UnixNano())
}

// Run starts the background loop; it returns once Stop is called, flushing
// any remaining dirty entries before exiting.
func (f *Flusher) Run(ctx context.Context) {
	defer close(f.doneCh)

	if !f.cfg.Enabled {
		<-f.stopCh
		f.flushAll(context.Background())
		return
	}

	interval := time.Duration(f.cfg.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.maybeFlush(ctx)
		case <-f.stopCh:
			f.flushAll(context.Background())
			return
		case <-ctx.Done():
			f.flushAll(context.Background())
			return
		}
	}
}

// Stop signals the loop to perform a final flush and exit, then blocks
// until it has done so.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	<-f.doneCh
}

func (f *Flusher) maybeFlush(ctx context.Context) {
	idleFor := time.Since(time.Unix(0, f.lastWrite.Load()))
	threshold := time.Duration(f.cfg.IdleTimeoutSeconds) * time.Second

	if idleFor < threshold {
		return
	}
	if f.cache.DirtyCount() == 0 {
		return
	}
	f.drainLoop(ctx)
}

func (f *Flusher) flushAll(ctx context.Context) {
	for f.cache.DirtyCount() > 0 {
		if !f.drainOneBatch(ctx) {
			return
		}
	}
}

func (f *Flusher) drainLoop(ctx context.Context) {
	for f.cache.DirtyCount() > 0 {
		if !f.drainOneBatch(ctx) {
			return
		}
	}
}

func (f *Flusher) drainOneBatch(ctx context.Context) bool {
	batch := f.cache.DrainDirty(f.cfg.BatchWriteSize)
	if len(batch) == 0 {
		return false
	}

	var failed []domain.Entry
	for _, e := range batch {
		if err := f.store.Insert(ctx, e.Question, e.Answer.Payload, f.cfg.OverrideMode); err != nil {
			fiberlog.Errorf("[idle-flush] failed to persist fingerprint %s: %v", e.Fingerprint.Short(), err)
			failed = append(failed, e)
		}
	}
	if len(failed) > 0 {
		f.cache.MarkDirtyFailed(failed)
	}

	fiberlog.Debugf("[idle-flush] flushed %d/%d entries", len(batch)-len(failed), len(batch))
	return true
}
