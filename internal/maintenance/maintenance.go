// Package maintenance implements the background retention/pruning loop
// (the spec's component C8): on a fixed interval it prunes unreferenced,
// cold answers out of the persistent store and emits a statistics snapshot.
package maintenance

import (
	"context"
	"time"

	"github.com/Egham-7/adaptive-proxy/internal/store"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Config controls cadence, retention, and the pruning threshold.
type Config struct {
	IntervalHours    int
	RetentionDays    int
	MinHitCount      int64
	TopK             int
	CleanupOnStartup bool
}

// Loop runs Config's pruning cycle against a persistent store on a ticker.
type Loop struct {
	cfg   Config
	store *store.Store

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a maintenance loop bound to a store.
func New(cfg Config, st *store.Store) *Loop {
	return &Loop{
		cfg:    cfg,
		store:  st,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run executes pruning cycles until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.doneCh)

	if l.cfg.CleanupOnStartup {
		l.runCycle(ctx)
	}

	interval := time.Duration(l.cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runCycle(ctx)
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit and blocks until it has.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

// RunOnce executes a single prune-and-report cycle synchronously. Exposed
// so callers (and tests) can drive a cycle without waiting on the ticker.
func (l *Loop) RunOnce(ctx context.Context) (store.Stats, int, error) {
	return l.runCycleWithResult(ctx)
}

func (l *Loop) runCycle(ctx context.Context) {
	if _, _, err := l.runCycleWithResult(ctx); err != nil {
		fiberlog.Errorf("[maintenance] cycle failed: %v", err)
	}
}

func (l *Loop) runCycleWithResult(ctx context.Context) (store.Stats, int, error) {
	retention := time.Duration(l.cfg.RetentionDays) * 24 * time.Hour
	removed, err := l.store.Prune(ctx, time.Now(), retention, l.cfg.MinHitCount)
	if err != nil {
		return store.Stats{}, 0, err
	}

	if err := l.store.Optimize(ctx); err != nil {
		fiberlog.Warnf("[maintenance] optimize failed: %v", err)
	}

	stats, err := l.store.Stats(ctx, l.cfg.TopK)
	if err != nil {
		return store.Stats{}, removed, err
	}

	fiberlog.Infof(
		"[maintenance] pruned=%d questions=%d answers=%d bytes=%d hit_rate=%.3f",
		removed, stats.TotalQuestions, stats.TotalAnswers, stats.TotalBytes, stats.HitRate,
	)
	for _, hot := range stats.TopFingerprints {
		fiberlog.Debugf("[maintenance] hot fingerprint=%s hits=%d", hot.Fingerprint, hot.HitCount)
	}

	return stats, removed, nil
}
