package metrics

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(opts ...StoreOption) *Store {
	s := NewStore(opts...)
	s.RegisterBuiltins()
	return s
}

func TestStore_RegisterIsIdempotent(t *testing.T) {
	s := NewStore()

	a, err := s.Register("pizzas", KindCounter, Default)
	require.NoError(t, err)
	b, err := s.Register("pizzas", KindCounter, Default)
	require.NoError(t, err)

	assert.Same(t, a, b)
}

func TestStore_RegisterKindMismatch(t *testing.T) {
	s := NewStore()
	_, err := s.Register("pizzas", KindCounter, Default)
	require.NoError(t, err)

	_, err = s.Register("pizzas", KindTrend, Default)
	assert.True(t, errors.Is(err, ErrKindMismatch), "got %v", err)
}

func TestStore_RecordUnknownMetric(t *testing.T) {
	s := NewStore()
	err := s.Record("missing", 1, nil)
	assert.True(t, errors.Is(err, ErrUnknownMetric), "got %v", err)
}

func TestStore_CounterRejectsNegative(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.Record(Iterations, 3, nil))

	err := s.Record(Iterations, -1, nil)
	assert.True(t, errors.Is(err, ErrNegativeCounter), "got %v", err)

	agg, ok := s.Snapshot(Iterations)
	require.True(t, ok)
	assert.Equal(t, 3.0, agg.Sum)
}

func TestStore_CounterConcurrentWriters(t *testing.T) {
	s := newTestStore()

	const writers = 50
	const points = 1000

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < points; j++ {
				_ = s.Record(HTTPReqs, 1, Tags{"scenario": "smoke"})
			}
		}()
	}
	wg.Wait()

	agg, ok := s.Snapshot(HTTPReqs)
	require.True(t, ok)
	assert.Equal(t, int64(writers*points), agg.Count)
	assert.Equal(t, float64(writers*points), agg.Sum)
}

func TestStore_CounterMonotonicUnderConcurrency(t *testing.T) {
	s := newTestStore()
	done := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_ = s.Record(Iterations, 1, nil)
				}
			}
		}()
	}

	last := 0.0
	for i := 0; i < 200; i++ {
		agg, _ := s.Snapshot(Iterations)
		assert.GreaterOrEqual(t, agg.Sum, last)
		last = agg.Sum
	}
	close(done)
	wg.Wait()
}

func TestStore_TrendPercentiles(t *testing.T) {
	s := newTestStore()
	for i := 1; i <= 100; i++ {
		require.NoError(t, s.Record(HTTPReqDuration, float64(i), nil))
	}

	agg, ok := s.Snapshot(HTTPReqDuration)
	require.True(t, ok)

	assert.Equal(t, int64(100), agg.Count)
	assert.Equal(t, 1.0, agg.Min)
	assert.Equal(t, 100.0, agg.Max)
	assert.InDelta(t, 50.5, agg.Avg(), 1e-9)
	assert.InDelta(t, 50.5, agg.Med(), 1e-9)
	assert.InDelta(t, 95.05, agg.Percentile(95), 1e-9)
	assert.Equal(t, 1.0, agg.Percentile(0))
	assert.Equal(t, 100.0, agg.Percentile(100))
}

func TestStore_TrendPercentilesOrderIndependent(t *testing.T) {
	values := make([]float64, 500)
	for i := range values {
		values[i] = float64((i * 37) % 211)
	}

	ordered := newTestStore()
	for _, v := range values {
		require.NoError(t, ordered.Record(HTTPReqDuration, v, nil))
	}

	shuffled := newTestStore()
	perm := append([]float64(nil), values...)
	rand.New(rand.NewSource(42)).Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
	for _, v := range perm {
		require.NoError(t, shuffled.Record(HTTPReqDuration, v, nil))
	}

	a, _ := ordered.Snapshot(HTTPReqDuration)
	b, _ := shuffled.Snapshot(HTTPReqDuration)
	for _, p := range []float64{0, 1, 25, 50, 90, 95, 99, 99.9, 100} {
		assert.Equal(t, a.Percentile(p), b.Percentile(p), "p(%v)", p)
		// idempotent
		assert.Equal(t, a.Percentile(p), a.Percentile(p), "p(%v)", p)
	}
}

func TestStore_SnapshotIsPointInTime(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.Record(HTTPReqDuration, 10, nil))

	before, _ := s.Snapshot(HTTPReqDuration)
	require.NoError(t, s.Record(HTTPReqDuration, 1000, nil))

	assert.Equal(t, int64(1), before.Count)
	assert.Equal(t, 10.0, before.Percentile(99))
}

func TestStore_ApproximateTrend(t *testing.T) {
	s := newTestStore(WithTrendOptions(TrendOptions{Mode: TrendApproximate, SignificantFigures: 3}))
	for i := 1; i <= 1000; i++ {
		require.NoError(t, s.Record(HTTPReqDuration, float64(i), nil))
	}

	agg, _ := s.Snapshot(HTTPReqDuration)
	assert.Equal(t, int64(1000), agg.Count)
	assert.InDelta(t, 500.5, agg.Avg(), 1e-9)
	assert.InDelta(t, 950, agg.Percentile(95), 2)
	assert.InDelta(t, 500, agg.Med(), 2)
	assert.Equal(t, 1000.0, agg.Percentile(100))
}

func TestStore_ApproximateTrendRejectsNegative(t *testing.T) {
	s := newTestStore(WithTrendOptions(TrendOptions{Mode: TrendApproximate}))
	require.NoError(t, s.Record(HTTPReqDuration, 5, nil))

	err := s.Record(HTTPReqDuration, -1, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNegativeTrend), "got %v", err)

	agg, _ := s.Snapshot(HTTPReqDuration)
	assert.Equal(t, int64(1), agg.Count)
	assert.Equal(t, 5.0, agg.Min)

	// exact trends keep negative values
	exact := newTestStore()
	require.NoError(t, exact.Record(HTTPReqDuration, -1, nil))
}

func TestStore_Rate(t *testing.T) {
	s := newTestStore()
	for i := 0; i < 100; i++ {
		v := 0.0
		if i < 3 {
			v = 1
		}
		require.NoError(t, s.Record(HTTPReqFailed, v, nil))
	}

	agg, _ := s.Snapshot(HTTPReqFailed)
	assert.InDelta(t, 0.03, agg.Rate(), 1e-9)
	assert.Equal(t, int64(3), agg.Passes)
	assert.Equal(t, int64(97), agg.Fails())
}

func TestStore_CounterRateUsesElapsed(t *testing.T) {
	now := time.Unix(0, 0)
	s := newTestStore(WithClock(func() time.Time { return now }))

	require.NoError(t, s.Record(HTTPReqs, 20, nil))
	now = now.Add(10 * time.Second)

	agg, _ := s.Snapshot(HTTPReqs)
	assert.InDelta(t, 2.0, agg.Rate(), 1e-9)
}

func TestStore_Gauge(t *testing.T) {
	s := newTestStore()
	for _, v := range []float64{3, 7, 1, 4} {
		require.NoError(t, s.Record(VUs, v, nil))
	}

	agg, _ := s.Snapshot(VUs)
	assert.Equal(t, 4.0, agg.Value)
	assert.Equal(t, 1.0, agg.Min)
	assert.Equal(t, 7.0, agg.Max)
}

func TestStore_Submetric(t *testing.T) {
	s := newTestStore()
	sub, err := s.Submetric("http_req_duration{scenario:stress}")
	require.NoError(t, err)
	assert.Equal(t, "http_req_duration{scenario:stress}", sub.Name)

	require.NoError(t, s.Record(HTTPReqDuration, 100, Tags{"scenario": "stress", "method": "POST"}))
	require.NoError(t, s.Record(HTTPReqDuration, 5, Tags{"scenario": "smoke"}))

	parent, _ := s.Snapshot(HTTPReqDuration)
	child, ok := s.Snapshot(sub.Name)
	require.True(t, ok)

	assert.Equal(t, int64(2), parent.Count)
	assert.Equal(t, int64(1), child.Count)
	assert.Equal(t, 100.0, child.Max)

	err = s.Record(sub.Name, 1, nil)
	assert.Error(t, err)
}

func TestStore_SubmetricUnknownParent(t *testing.T) {
	s := NewStore()
	_, err := s.Submetric("nope{a:b}")
	assert.True(t, errors.Is(err, ErrUnknownMetric))
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key     string
		name    string
		tags    Tags
		wantErr bool
	}{
		{key: "checks", name: "checks"},
		{key: "http_req_duration{scenario:stress}", name: "http_req_duration", tags: Tags{"scenario": "stress"}},
		{key: "http_reqs{ method : GET , status:200 }", name: "http_reqs", tags: Tags{"method": "GET", "status": "200"}},
		{key: "http_reqs{}", name: "http_reqs"},
		{key: "", wantErr: true},
		{key: "http_reqs{method:GET", wantErr: true},
		{key: "{a:b}", wantErr: true},
		{key: "x{novalue}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			name, tags, err := ParseKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.tags, tags)
		})
	}
}

func TestStore_Checks(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.RecordCheck("status is 200", true, nil))
	require.NoError(t, s.RecordCheck("status is 200", true, nil))
	require.NoError(t, s.RecordCheck("has body", false, Tags{"scenario": "smoke"}))

	checks := s.Checks()
	require.Len(t, checks, 2)
	assert.Equal(t, CheckResult{Name: "status is 200", Passes: 2, Fails: 0, Rate: 1}, checks[0])
	assert.Equal(t, CheckResult{Name: "has body", Passes: 0, Fails: 1, Rate: 0}, checks[1])

	agg, _ := s.Snapshot(Checks)
	assert.InDelta(t, 2.0/3.0, agg.Rate(), 1e-9)
}

func TestStore_Summaries(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.Record(HTTPReqDuration, 10, nil))
	require.NoError(t, s.Record(HTTPReqDuration, 30, nil))
	require.NoError(t, s.Record(Iterations, 1, nil))

	sums := s.Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, HTTPReqDuration, sums[0].Name)
	assert.Equal(t, TrendColumns, sums[0].Keys)
	assert.Equal(t, 20.0, sums[0].Values["avg"])
	assert.Equal(t, Iterations, sums[1].Name)
	assert.Equal(t, 1.0, sums[1].Values["count"])
}
