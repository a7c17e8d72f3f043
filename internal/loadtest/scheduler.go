package loadtest

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PacingMode selects the wait between two iterations of a VU.
type PacingMode string

const (
	// PacingNone starts the next iteration immediately.
	PacingNone PacingMode = "none"
	// PacingConstant waits a fixed Duration between iterations.
	PacingConstant PacingMode = "constant"
	// PacingRandom waits a uniform duration in [Min, Max).
	PacingRandom PacingMode = "random"
)

// Pacing is the executor-level wait applied after every iteration.
type Pacing struct {
	Mode     PacingMode
	Duration time.Duration
	Min      time.Duration
	Max      time.Duration
}

// Next returns the wait before the next iteration.
func (p Pacing) Next() time.Duration {
	switch p.Mode {
	case PacingConstant:
		return p.Duration
	case PacingRandom:
		if p.Max <= p.Min {
			return p.Min
		}
		return p.Min + time.Duration(rand.Int64N(int64(p.Max-p.Min)))
	default:
		return 0
	}
}

// VUScheduler manages the VUs of one scenario.
//
// It provides:
// - VU spawning with run-wide unique IDs
// - stop requests for one, some or all VUs
// - graceful shutdown coordination
//
// Executors use it to control VU counts.
type VUScheduler struct {
	scenario *Scenario
	env      *Env
	pacing   Pacing

	vus   map[int64]*VirtualUser
	vusMu sync.RWMutex

	// iterations of VUs that already returned, guarded by vusMu
	retiredIterations int64

	spawned   atomic.Int64
	lastSpawn atomic.Int64

	wg sync.WaitGroup
}

// NewVUScheduler creates a new VU scheduler.
func NewVUScheduler(scenario *Scenario, env *Env, pacing Pacing) *VUScheduler {
	return &VUScheduler{
		scenario: scenario,
		env:      env,
		pacing:   pacing,
		vus:      make(map[int64]*VirtualUser),
	}
}

// Scenario returns the scheduled scenario.
func (s *VUScheduler) Scenario() *Scenario {
	return s.scenario
}

// Logger returns the run logger scoped to the scenario.
func (s *VUScheduler) Logger() *zap.Logger {
	return s.env.logger().With(zap.String("scenario", s.scenario.Name))
}

// Iterations returns how many iterations the scheduler's VUs started.
func (s *VUScheduler) Iterations() int64 {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	total := s.retiredIterations
	for _, vu := range s.vus {
		total += vu.GetIteration()
	}
	return total
}

// SpawnVU creates and registers a new Virtual User. The caller starts it.
func (s *VUScheduler) SpawnVU() *VirtualUser {
	vu := NewVirtualUser(s.env.NextVUID(), s.scenario, s.env)

	s.vusMu.Lock()
	s.vus[vu.ID] = vu
	s.vusMu.Unlock()

	s.spawned.Add(1)
	s.lastSpawn.Store(vu.SpawnedAt.UnixNano())
	return vu
}

// Spawned returns how many VUs this scheduler created.
func (s *VUScheduler) Spawned() int64 {
	return s.spawned.Load()
}

// LastSpawn returns when the most recent VU was created.
func (s *VUScheduler) LastSpawn() time.Time {
	ns := s.lastSpawn.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// GetActiveVUs returns all VUs that have not stopped.
func (s *VUScheduler) GetActiveVUs() []*VirtualUser {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	result := make([]*VirtualUser, 0, len(s.vus))
	for _, vu := range s.vus {
		if vu.GetState() != VUStateStopped {
			result = append(result, vu)
		}
	}
	return result
}

// GetActiveVUCount returns the count of non-stopped VUs.
func (s *VUScheduler) GetActiveVUCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	count := 0
	for _, vu := range s.vus {
		if vu.GetState() != VUStateStopped {
			count++
		}
	}
	return count
}

// GetRunningVUCount returns VUs that are neither stopping nor stopped.
func (s *VUScheduler) GetRunningVUCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	count := 0
	for _, vu := range s.vus {
		if !vu.IsStopping() {
			count++
		}
	}
	return count
}

// StopAllVUs requests all VUs to stop after their current iteration.
func (s *VUScheduler) StopAllVUs() {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, vu := range s.vus {
		vu.RequestStop()
	}
}

// StopExcess asks up to n running VUs to stop, newest first, and returns
// how many were asked.
func (s *VUScheduler) StopExcess(n int) int {
	if n <= 0 {
		return 0
	}

	running := make([]*VirtualUser, 0)
	s.vusMu.RLock()
	for _, vu := range s.vus {
		if !vu.IsStopping() {
			running = append(running, vu)
		}
	}
	s.vusMu.RUnlock()

	// newest first
	sort.Slice(running, func(i, j int) bool { return running[i].ID > running[j].ID })

	stopped := 0
	for _, vu := range running {
		if stopped >= n {
			break
		}
		vu.RequestStop()
		stopped++
	}
	return stopped
}

// RemoveVU forgets a VU whose goroutine returned. Its iterations stay
// counted in Iterations.
func (s *VUScheduler) RemoveVU(id int64) {
	s.vusMu.Lock()
	defer s.vusMu.Unlock()

	if vu, exists := s.vus[id]; exists {
		vu.MarkStopped()
		s.retiredIterations += vu.GetIteration()
		delete(s.vus, id)
	}
}

// WaitForAllVUs waits for all VUs to stop with a timeout.
//
// Returns the number of VUs that did not stop within the timeout.
func (s *VUScheduler) WaitForAllVUs(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	s.vusMu.RLock()
	vus := make([]*VirtualUser, 0, len(s.vus))
	for _, vu := range s.vus {
		vus = append(vus, vu)
	}
	s.vusMu.RUnlock()

	notStopped := 0
	for _, vu := range vus {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			select {
			case <-vu.Done():
			default:
				notStopped++
			}
			continue
		}
		if !vu.WaitForStop(remaining) {
			notStopped++
		}
	}
	return notStopped
}

// Start runs vu on its own goroutine. maxIterations <= 0 means unbounded.
func (s *VUScheduler) Start(ctx context.Context, vu *VirtualUser, maxIterations int64) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunVU(ctx, vu, maxIterations)
		s.RemoveVU(vu.ID)
	}()
}

// RunVU runs iterations until the VU is asked to stop, maxIterations is
// reached, or ctx is cancelled.
func (s *VUScheduler) RunVU(ctx context.Context, vu *VirtualUser, maxIterations int64) {
	defer vu.MarkStopped()

	for {
		if ctx.Err() != nil || vu.IsStopping() {
			return
		}
		if maxIterations > 0 && vu.GetIteration() >= maxIterations {
			return
		}

		err := vu.RunIteration(ctx)
		if errors.Is(err, ErrVUStopped) || ctx.Err() != nil {
			return
		}

		if wait := s.pacing.Next(); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-vu.StopCh():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// Wait blocks until every started VU goroutine returned or timeout
// elapsed. It reports whether all returned.
func (s *VUScheduler) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// ScaleVUs spawns or retires VUs so that the number of running VUs
// matches target. Spawning also stops once limit VUs (including those
// still draining) are alive; limit <= 0 disables it. New VUs are passed to
// onSpawn, which must start them. It returns the running count after
// adjustment.
func (s *VUScheduler) ScaleVUs(target, limit int, onSpawn func(*VirtualUser)) int {
	current := s.GetRunningVUCount()

	if target > current {
		for i := current; i < target; i++ {
			if limit > 0 && s.GetActiveVUCount() >= limit {
				break
			}
			vu := s.SpawnVU()
			if onSpawn != nil {
				onSpawn(vu)
			}
		}
	} else if target < current {
		s.StopExcess(current - target)
	}

	return s.GetRunningVUCount()
}
