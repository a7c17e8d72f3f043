package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/swarm/internal/loadtest"
)

// PerVUIterations runs a fixed number of iterations on each of N VUs.
//
// The executor finishes when every VU completed its iterations, or when
// maxDuration elapses, whichever comes first.
type PerVUIterations struct {
	base
}

// NewPerVUIterations creates a new per-VU iterations executor.
func NewPerVUIterations() *PerVUIterations {
	return &PerVUIterations{}
}

// Type returns the executor type.
func (e *PerVUIterations) Type() Type {
	return TypePerVUIterations
}

// Init initializes the executor with configuration.
func (e *PerVUIterations) Init(ctx context.Context, config *Config) error {
	return e.init(TypePerVUIterations, config)
}

// Run spawns the VUs and waits for them to complete their iterations.
func (e *PerVUIterations) Run(ctx context.Context, scheduler *loadtest.VUScheduler) error {
	e.begin(scheduler)
	defer e.end()

	iterCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.spawn(func() {
		for i := 0; i < e.config.VUs; i++ {
			scheduler.Start(iterCtx, scheduler.SpawnVU(), e.config.Iterations)
		}
	})

	finished := make(chan struct{})
	go func() {
		scheduler.Wait(0)
		close(finished)
	}()

	timer := time.NewTimer(e.config.MaxDuration)
	defer timer.Stop()

	select {
	case <-finished:
	case <-timer.C:
		e.logger.Warn("maxDuration reached before all iterations completed",
			zap.Duration("maxDuration", e.config.MaxDuration),
			zap.Int64("iterations", e.iterations()))
	case <-e.abortCh:
	case <-ctx.Done():
	}

	e.drain(cancel)
	return nil
}

// GetProgress returns completed iterations against the total.
func (e *PerVUIterations) GetProgress() float64 {
	if e.config == nil {
		return 0.0
	}
	if !e.running.Load() && !e.started().IsZero() {
		return 1.0
	}

	total := int64(e.config.VUs) * e.config.Iterations
	progress := float64(e.iterations()) / float64(total)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetStats returns executor statistics.
func (e *PerVUIterations) GetStats() *Stats {
	stats := e.stats()
	stats.TargetVUs = e.config.VUs
	stats.MaxVUs = e.config.VUs
	stats.TotalIterations = int64(e.config.VUs) * e.config.Iterations
	return stats
}

// Ensure PerVUIterations implements Executor
var _ Executor = (*PerVUIterations)(nil)
