package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/swarm/internal/loadtest"
)

// base carries the lifecycle shared by every executor: start bookkeeping,
// the abort latch and graceful draining.
type base struct {
	config    *Config
	scheduler *loadtest.VUScheduler
	logger    *zap.Logger

	startTime atomic.Int64
	running   atomic.Bool

	// spawnMu orders spawning against Abort so that nothing is spawned
	// once Abort returned.
	spawnMu   sync.Mutex
	aborted   atomic.Bool
	abortCh   chan struct{}
	abortOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once
}

func (b *base) init(want Type, config *Config) error {
	if NormalizeType(string(config.Type)) != want {
		return fmt.Errorf("invalid config type: expected %s, got %s", want, config.Type)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	b.config = config.WithDefaults()
	b.abortCh = make(chan struct{})
	b.done = make(chan struct{})
	return nil
}

func (b *base) begin(scheduler *loadtest.VUScheduler) {
	b.scheduler = scheduler
	b.logger = scheduler.Logger().With(zap.String("executor", string(b.config.Type)))
	b.startTime.Store(time.Now().UnixNano())
	b.running.Store(true)
}

func (b *base) end() {
	b.running.Store(false)
	b.doneOnce.Do(func() { close(b.done) })
}

func (b *base) started() time.Time {
	ns := b.startTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (b *base) elapsed() time.Duration {
	start := b.started()
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// spawn runs fn unless the executor was aborted. It reports whether fn ran.
func (b *base) spawn(fn func()) bool {
	b.spawnMu.Lock()
	defer b.spawnMu.Unlock()

	if b.aborted.Load() {
		return false
	}
	fn()
	return true
}

// Abort stops spawning and asks running VUs to finish. It does not wait.
func (b *base) Abort() {
	b.spawnMu.Lock()
	b.aborted.Store(true)
	b.spawnMu.Unlock()

	b.abortOnce.Do(func() {
		if b.abortCh != nil {
			close(b.abortCh)
		}
	})
}

// Stop aborts the executor and waits for Run to return.
func (b *base) Stop(ctx context.Context) error {
	b.Abort()
	if !b.running.Load() {
		return nil
	}

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain asks every VU to stop after its current iteration and waits up to
// the graceful stop timeout. VUs still running after that get their
// context cancelled.
func (b *base) drain(cancel context.CancelFunc) {
	b.scheduler.StopAllVUs()
	if b.scheduler.Wait(b.config.GracefulStop) {
		return
	}

	b.logger.Warn("graceful stop timed out, interrupting iterations",
		zap.Duration("gracefulStop", b.config.GracefulStop),
		zap.Int("vus", b.scheduler.GetActiveVUCount()))
	cancel()
	b.scheduler.Wait(0)
}

func (b *base) GetActiveVUs() int {
	if b.scheduler == nil {
		return 0
	}
	return b.scheduler.GetActiveVUCount()
}

func (b *base) iterations() int64 {
	if b.scheduler == nil {
		return 0
	}
	return b.scheduler.Iterations()
}

// timeProgress reports elapsed time against total.
func (b *base) timeProgress(total time.Duration) float64 {
	if !b.running.Load() {
		if b.started().IsZero() {
			return 0.0
		}
		return 1.0
	}
	if total <= 0 {
		return 1.0
	}

	progress := float64(b.elapsed()) / float64(total)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

func (b *base) stats() *Stats {
	return &Stats{
		StartTime:     b.started(),
		CurrentTime:   time.Now(),
		Elapsed:       b.elapsed(),
		TotalDuration: b.config.TotalDuration(),
		ActiveVUs:     b.GetActiveVUs(),
		Iterations:    b.iterations(),
		Aborted:       b.aborted.Load(),
	}
}
