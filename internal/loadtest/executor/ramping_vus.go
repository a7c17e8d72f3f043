package executor

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/swarm/internal/loadtest"
)

// RampingVUs ramps VU count up and down according to stages.
//
// A control loop recomputes the target on every tick by interpolating
// between stage targets, spawns VUs when below it and asks the newest VUs
// to stop after their current iteration when above it. VUs still draining
// count against the highest stage target, so concurrency never exceeds it.
//
// Example stages:
//
//	stages:
//	  - duration: 30s
//	    target: 10     # Ramp from startVUs to 10 VUs over 30s
//	  - duration: 2m
//	    target: 10     # Stay at 10 VUs for 2 minutes
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type RampingVUs struct {
	base

	targetVUs    atomic.Int32
	currentStage atomic.Int32
}

// NewRampingVUs creates a new ramping VUs executor.
func NewRampingVUs() *RampingVUs {
	return &RampingVUs{}
}

// Type returns the executor type.
func (e *RampingVUs) Type() Type {
	return TypeRampingVUs
}

// Init initializes the executor with configuration.
func (e *RampingVUs) Init(ctx context.Context, config *Config) error {
	return e.init(TypeRampingVUs, config)
}

// Run drives the VU count through the stages, then drains all VUs.
func (e *RampingVUs) Run(ctx context.Context, scheduler *loadtest.VUScheduler) error {
	e.begin(scheduler)
	defer e.end()

	iterCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	limit := MaxTarget(e.config.StartVUs, e.config.Stages)
	start := func(vu *loadtest.VirtualUser) {
		scheduler.Start(iterCtx, vu, 0)
	}

	ticker := time.NewTicker(e.config.Tick)
	defer ticker.Stop()
	deadline := time.NewTimer(e.config.TotalDuration())
	defer deadline.Stop()

	e.adjust(0, limit, start)

	func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.abortCh:
				return
			case <-deadline.C:
				return
			case <-ticker.C:
				e.adjust(e.elapsed(), limit, start)
			}
		}
	}()

	e.drain(cancel)
	e.logger.Debug("executor finished", zap.Int64("iterations", e.iterations()))
	return nil
}

// adjust scales the VU pool to the target for elapsed.
func (e *RampingVUs) adjust(elapsed time.Duration, limit int, start func(*loadtest.VirtualUser)) {
	target := TargetVUs(e.config.StartVUs, e.config.Stages, elapsed)
	stage := StageAt(e.config.Stages, elapsed)

	if prev := int(e.currentStage.Swap(int32(stage))); prev != stage && stage < len(e.config.Stages) {
		e.logger.Debug("entering stage",
			zap.Int("stage", stage),
			zap.String("name", e.config.Stages[stage].Name),
			zap.Int("target", e.config.Stages[stage].Target))
	}
	e.targetVUs.Store(int32(target))

	e.spawn(func() {
		e.scheduler.ScaleVUs(target, limit, start)
	})
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingVUs) GetProgress() float64 {
	return e.timeProgress(e.config.TotalDuration())
}

// GetStats returns executor statistics.
func (e *RampingVUs) GetStats() *Stats {
	stats := e.stats()

	stageIdx := int(e.currentStage.Load())
	stageName := ""
	if stageIdx < len(e.config.Stages) {
		stageName = e.config.Stages[stageIdx].Name
	}

	stats.TargetVUs = int(e.targetVUs.Load())
	stats.MaxVUs = MaxTarget(e.config.StartVUs, e.config.Stages)
	stats.CurrentStage = stageIdx
	stats.CurrentStageName = stageName
	stats.TotalStages = len(e.config.Stages)
	return stats
}

// Ensure RampingVUs implements Executor
var _ Executor = (*RampingVUs)(nil)
