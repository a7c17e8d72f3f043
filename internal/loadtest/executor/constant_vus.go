package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/swarm/internal/loadtest"
)

// ConstantVUs runs a fixed number of VUs for a specified duration.
//
// This is the simplest executor: spawn N VUs and let them run iterations
// until the duration expires. Each VU runs as fast as it can (closed model),
// optionally with pacing between iterations.
//
// Use cases:
//   - Basic load testing
//   - Smoke tests with a single VU
//   - Simple soak testing
type ConstantVUs struct {
	base
}

// NewConstantVUs creates a new constant VUs executor.
func NewConstantVUs() *ConstantVUs {
	return &ConstantVUs{}
}

// Type returns the executor type.
func (e *ConstantVUs) Type() Type {
	return TypeConstantVUs
}

// Init initializes the executor with configuration.
func (e *ConstantVUs) Init(ctx context.Context, config *Config) error {
	return e.init(TypeConstantVUs, config)
}

// Run spawns all VUs, lets them iterate until the duration expires or the
// executor is aborted, then drains them.
func (e *ConstantVUs) Run(ctx context.Context, scheduler *loadtest.VUScheduler) error {
	e.begin(scheduler)
	defer e.end()

	// Iterations only see cancellation from ctx or the graceful stop
	iterCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.spawn(func() {
		for i := 0; i < e.config.VUs; i++ {
			scheduler.Start(iterCtx, scheduler.SpawnVU(), 0)
		}
	})
	e.logger.Debug("executor started", zap.Int("vus", e.config.VUs), zap.Duration("duration", e.config.Duration))

	timer := time.NewTimer(e.config.Duration)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-e.abortCh:
	case <-ctx.Done():
	}

	e.drain(cancel)
	e.logger.Debug("executor finished", zap.Int64("iterations", e.iterations()))
	return nil
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *ConstantVUs) GetProgress() float64 {
	return e.timeProgress(e.config.Duration)
}

// GetStats returns executor statistics.
func (e *ConstantVUs) GetStats() *Stats {
	stats := e.stats()
	stats.TargetVUs = e.config.VUs
	stats.MaxVUs = e.config.VUs
	return stats
}

// Ensure ConstantVUs implements Executor
var _ Executor = (*ConstantVUs)(nil)
