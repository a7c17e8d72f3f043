package loadtest_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wesleyorama2/swarm/internal/loadtest"
	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
)

func busyScenario(d time.Duration) *loadtest.Scenario {
	return &loadtest.Scenario{
		Name: "scheduler-test",
		Fn: func(it *loadtest.Iteration) error {
			it.Sleep(d)
			return nil
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestVUScheduler_SpawnAssignsRunWideIDs(t *testing.T) {
	env := newTestEnv("", nil)
	a := loadtest.NewVUScheduler(busyScenario(0), env, loadtest.Pacing{})
	b := loadtest.NewVUScheduler(busyScenario(0), env, loadtest.Pacing{})

	ids := map[int64]bool{}
	for i := 0; i < 3; i++ {
		ids[a.SpawnVU().ID] = true
		ids[b.SpawnVU().ID] = true
	}

	if len(ids) != 6 {
		t.Errorf("expected 6 distinct IDs, got %v", ids)
	}
	if a.Spawned() != 3 || b.Spawned() != 3 {
		t.Errorf("Spawned() = %d/%d, want 3/3", a.Spawned(), b.Spawned())
	}
	if env.VUsSpawned() != 6 {
		t.Errorf("VUsSpawned() = %d, want 6", env.VUsSpawned())
	}
	if a.LastSpawn().IsZero() {
		t.Error("LastSpawn() should be set")
	}
}

func TestVUScheduler_StartAndStopAll(t *testing.T) {
	env := newTestEnv("", nil)
	s := loadtest.NewVUScheduler(busyScenario(10*time.Millisecond), env, loadtest.Pacing{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Start(ctx, s.SpawnVU(), 0)
	}
	waitFor(t, time.Second, func() bool {
		agg, _ := env.Store.Snapshot(metrics.Iterations)
		return agg.Sum >= 10
	})

	if got := s.GetActiveVUCount(); got != 5 {
		t.Errorf("GetActiveVUCount() = %d, want 5", got)
	}

	s.StopAllVUs()
	if !s.Wait(time.Second) {
		t.Fatal("VUs did not stop")
	}
	if got := s.GetActiveVUCount(); got != 0 {
		t.Errorf("GetActiveVUCount() after stop = %d, want 0", got)
	}
	if s.WaitForAllVUs(10*time.Millisecond) != 0 {
		t.Error("WaitForAllVUs() reported running VUs")
	}
}

func TestVUScheduler_MaxIterations(t *testing.T) {
	env := newTestEnv("", nil)
	s := loadtest.NewVUScheduler(busyScenario(0), env, loadtest.Pacing{})

	for i := 0; i < 4; i++ {
		s.Start(context.Background(), s.SpawnVU(), 5)
	}
	if !s.Wait(time.Second) {
		t.Fatal("VUs did not finish")
	}

	agg, _ := env.Store.Snapshot(metrics.Iterations)
	if agg.Sum != 20 {
		t.Errorf("iterations = %v, want 20", agg.Sum)
	}
}

func TestVUScheduler_ContextCancelStopsVUs(t *testing.T) {
	env := newTestEnv("", nil)
	s := loadtest.NewVUScheduler(busyScenario(time.Hour), env, loadtest.Pacing{})

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		s.Start(ctx, s.SpawnVU(), 0)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()

	if !s.Wait(time.Second) {
		t.Fatal("cancelling the context did not stop VUs")
	}
}

func TestVUScheduler_ScaleVUs(t *testing.T) {
	env := newTestEnv("", nil)
	s := loadtest.NewVUScheduler(busyScenario(5*time.Millisecond), env, loadtest.Pacing{})
	ctx := context.Background()
	start := func(vu *loadtest.VirtualUser) { s.Start(ctx, vu, 0) }

	if got := s.ScaleVUs(4, 0, start); got != 4 {
		t.Errorf("ScaleVUs(4) = %d", got)
	}
	if got := s.ScaleVUs(1, 0, start); got != 1 {
		t.Errorf("ScaleVUs(1) = %d", got)
	}
	waitFor(t, time.Second, func() bool { return s.GetActiveVUCount() == 1 })

	if got := s.ScaleVUs(3, 0, start); got != 3 {
		t.Errorf("ScaleVUs(3) = %d", got)
	}

	s.StopAllVUs()
	s.Wait(time.Second)
}

func TestVUScheduler_ScaleVUsRespectsLimit(t *testing.T) {
	env := newTestEnv("", nil)
	release := make(chan struct{})
	scenario := &loadtest.Scenario{
		Name: "s",
		Fn: func(it *loadtest.Iteration) error {
			<-release
			return nil
		},
	}
	s := loadtest.NewVUScheduler(scenario, env, loadtest.Pacing{})
	ctx := context.Background()
	start := func(vu *loadtest.VirtualUser) { s.Start(ctx, vu, 0) }

	s.ScaleVUs(3, 3, start)
	waitFor(t, time.Second, func() bool {
		running := 0
		for _, vu := range s.GetActiveVUs() {
			if vu.GetState() == loadtest.VUStateRunning {
				running++
			}
		}
		return running == 3
	})

	// the stopped VUs are still draining their iteration
	s.ScaleVUs(1, 3, start)
	got := s.ScaleVUs(3, 3, start)

	if got != 1 {
		t.Errorf("running VUs = %d, want 1 while 2 are draining", got)
	}
	if s.GetActiveVUCount() > 3 {
		t.Errorf("active VUs = %d exceeds limit 3", s.GetActiveVUCount())
	}

	close(release)
	s.StopAllVUs()
	s.Wait(time.Second)
}

func TestVUScheduler_StopExcessNewestFirst(t *testing.T) {
	env := newTestEnv("", nil)
	s := loadtest.NewVUScheduler(busyScenario(0), env, loadtest.Pacing{})

	first := s.SpawnVU()
	second := s.SpawnVU()
	third := s.SpawnVU()

	if n := s.StopExcess(2); n != 2 {
		t.Errorf("StopExcess(2) = %d", n)
	}
	if first.IsStopping() || !second.IsStopping() || !third.IsStopping() {
		t.Error("expected the two newest VUs to be stopping")
	}
}

func TestVUScheduler_Pacing(t *testing.T) {
	env := newTestEnv("", nil)
	var count atomic.Int64
	scenario := &loadtest.Scenario{
		Name: "paced",
		Fn: func(*loadtest.Iteration) error {
			count.Add(1)
			return nil
		},
	}
	s := loadtest.NewVUScheduler(scenario, env, loadtest.Pacing{Mode: loadtest.PacingConstant, Duration: 50 * time.Millisecond})

	vu := s.SpawnVU()
	s.Start(context.Background(), vu, 0)
	time.Sleep(120 * time.Millisecond)
	vu.RequestStop()
	s.Wait(time.Second)

	if got := count.Load(); got < 2 || got > 4 {
		t.Errorf("paced iterations = %d, want about 3", got)
	}
}

func TestPacing_Next(t *testing.T) {
	if (loadtest.Pacing{}).Next() != 0 {
		t.Error("no pacing should not wait")
	}
	if (loadtest.Pacing{Mode: loadtest.PacingConstant, Duration: time.Second}).Next() != time.Second {
		t.Error("constant pacing should wait its duration")
	}

	p := loadtest.Pacing{Mode: loadtest.PacingRandom, Min: 10 * time.Millisecond, Max: 20 * time.Millisecond}
	for i := 0; i < 100; i++ {
		if d := p.Next(); d < p.Min || d >= p.Max {
			t.Fatalf("random pacing %v outside [%v,%v)", d, p.Min, p.Max)
		}
	}
}
