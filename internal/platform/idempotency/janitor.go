package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSweepInterval = time.Hour
	defaultSweepBatch    = 100
	sweepTimeout         = time.Minute
)

// Janitor deletes expired idempotency records on a fixed interval.
type Janitor struct {
	store     Store
	interval  time.Duration
	batchSize int
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor constructs a janitor over the store. Non-positive interval or
// batch size fall back to defaults.
func NewJanitor(store Store, interval time.Duration, batchSize int, logger *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		store:     store,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Start launches the sweep loop in a goroutine. Call Stop to halt it.
func (j *Janitor) Start() {
	if j == nil || j.store == nil || j.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				j.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	if j == nil || j.cancel == nil {
		return
	}
	j.cancel()
	j.wg.Wait()
	j.cancel = nil
}

func (j *Janitor) sweep(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	removed, err := j.store.CleanupExpired(runCtx, time.Now().UTC(), j.batchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			j.logger.Error("idempotency cleanup error", zap.Error(err))
		}
		return
	}
	if removed > 0 {
		j.logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
	}
}
