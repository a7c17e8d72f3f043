// Package loadtest is the VU runtime: virtual users, the scheduler that
// spawns and retires them, and the iteration context handed to scripts.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is ready but not currently running.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is actively running an iteration.
	VUStateRunning
	// VUStateStopping indicates the VU has been requested to stop.
	VUStateStopping
	// VUStateStopped indicates the VU has fully stopped.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrVUStopped is returned when an iteration is requested from a VU that
// is stopping or stopped.
var ErrVUStopped = errors.New("VU is stopping or stopped")

// IterationFunc is one iteration of a script.
type IterationFunc func(it *Iteration) error

// Scenario is what a scenario's VUs execute.
type Scenario struct {
	Name string
	Exec string
	Fn   IterationFunc
	Tags metrics.Tags
}

// IterationError is a recovered iteration failure. It never stops the VU.
type IterationError struct {
	Scenario  string
	VUID      int64
	Iteration int64
	Err       error

	// Panic holds the recovered value when the iteration panicked.
	Panic any
}

func (e *IterationError) Error() string {
	return fmt.Sprintf("scenario %s, VU %d, iteration %d: %v", e.Scenario, e.VUID, e.Iteration, e.Err)
}

func (e *IterationError) Unwrap() error {
	return e.Err
}

// VirtualUser is a single simulated client running iterations sequentially.
// It owns its iteration counter and stop signal only.
type VirtualUser struct {
	// ID is unique across the run.
	ID int64

	Scenario *Scenario

	// SpawnedAt is when the scheduler created the VU.
	SpawnedAt time.Time

	env *Env

	// Lifecycle state (atomic for lock-free reads)
	state atomic.Int32

	stopCh chan struct{}
	doneCh chan struct{}

	iteration atomic.Int64
	failed    atomic.Int64
}

// NewVirtualUser creates a new Virtual User.
func NewVirtualUser(id int64, scenario *Scenario, env *Env) *VirtualUser {
	return &VirtualUser{
		ID:        id,
		Scenario:  scenario,
		SpawnedAt: time.Now(),
		env:       env,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns how many iterations the VU started.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// FailedIterations returns how many iterations ended in an error.
func (vu *VirtualUser) FailedIterations() int64 {
	return vu.failed.Load()
}

// IsStopping reports whether the VU was asked to stop or has stopped.
func (vu *VirtualUser) IsStopping() bool {
	s := vu.GetState()
	return s == VUStateStopping || s == VUStateStopped
}

// StopCh is closed when the VU is asked to stop.
func (vu *VirtualUser) StopCh() <-chan struct{} {
	return vu.stopCh
}

// RunIteration executes the scenario's iteration function once.
//
// Errors and panics raised by the function are recovered and returned as
// *IterationError; they are logged and counted in iterations_failed. An
// iteration interrupted by ctx is not counted at all.
func (vu *VirtualUser) RunIteration(ctx context.Context) (err error) {
	if vu.IsStopping() {
		return fmt.Errorf("VU %d: %w", vu.ID, ErrVUStopped)
	}

	vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning))
	number := vu.iteration.Add(1) - 1
	it := newIteration(ctx, vu, number)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			vu.env.logger().Debug("iteration panic stack", zap.ByteString("stack", debug.Stack()))
			err = &IterationError{
				Scenario:  vu.Scenario.Name,
				VUID:      vu.ID,
				Iteration: number,
				Err:       fmt.Errorf("panic: %v", r),
				Panic:     r,
			}
		}
		vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))
		vu.finish(ctx, it, start, err)
	}()

	if fnErr := vu.Scenario.Fn(it); fnErr != nil {
		err = &IterationError{
			Scenario:  vu.Scenario.Name,
			VUID:      vu.ID,
			Iteration: number,
			Err:       fnErr,
		}
	}
	return err
}

func (vu *VirtualUser) finish(ctx context.Context, it *Iteration, start time.Time, err error) {
	log := vu.env.logger()

	if ctx.Err() != nil {
		log.Debug("iteration interrupted",
			zap.String("scenario", vu.Scenario.Name),
			zap.Int64("vu", vu.ID),
			zap.Int64("iteration", it.number))
		return
	}

	tags := it.tags
	store := vu.env.Store
	_ = store.Record(metrics.Iterations, 1, tags)
	_ = store.Record(metrics.IterationDuration, durationMillis(time.Since(start)), tags)

	failed := 0.0
	if err != nil {
		failed = 1
		vu.failed.Add(1)
		log.Warn("iteration failed",
			zap.String("scenario", vu.Scenario.Name),
			zap.Int64("vu", vu.ID),
			zap.Int64("iteration", it.number),
			zap.Error(err))
	}
	_ = store.Record(metrics.IterationsFailed, failed, tags)
}

// RequestStop signals the VU to stop after completing the current iteration.
func (vu *VirtualUser) RequestStop() {
	if vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping)) ||
		vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateStopping)) {
		close(vu.stopCh)
	}
}

// WaitForStop waits for the VU to stop with a timeout.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-vu.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

// Done is closed once the VU has fully stopped.
func (vu *VirtualUser) Done() <-chan struct{} {
	return vu.doneCh
}

// MarkStopped marks the VU as fully stopped.
// Should be called by the scheduler when the VU goroutine exits.
func (vu *VirtualUser) MarkStopped() {
	prev := VUState(vu.state.Swap(int32(VUStateStopped)))
	if prev == VUStateStopped {
		return
	}
	if prev != VUStateStopping {
		close(vu.stopCh)
	}
	close(vu.doneCh)
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
