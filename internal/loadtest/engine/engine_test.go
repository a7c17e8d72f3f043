package engine_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	swarmhttp "github.com/wesleyorama2/swarm/internal/http"
	"github.com/wesleyorama2/swarm/internal/loadtest"
	"github.com/wesleyorama2/swarm/internal/loadtest/config"
	"github.com/wesleyorama2/swarm/internal/loadtest/dataset"
	"github.com/wesleyorama2/swarm/internal/loadtest/engine"
	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
)

func newPizzaServer(t *testing.T, healthStatus int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var pizzas atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(healthStatus)
	})
	mux.HandleFunc("/api/pizza", func(w http.ResponseWriter, r *http.Request) {
		pizzas.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pizza":{"name":"Margherita","ingredients":[{"name":"tomato"},{"name":"mozzarella"}]}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &pizzas
}

// pizzaScript checks health in setup, orders a pizza per iteration and
// counts teardown calls.
func pizzaScript(teardowns *atomic.Int64) *loadtest.Funcs {
	return &loadtest.Funcs{
		Metrics: []loadtest.MetricDecl{
			{Name: "pizzas", Kind: metrics.KindCounter},
			{Name: "ingredients", Kind: metrics.KindTrend},
		},
		SetupFn: func(it *loadtest.Iteration) (any, error) {
			resp := it.Get("/health", nil)
			if resp.StatusCode != http.StatusOK {
				return nil, errors.New("service unhealthy")
			}
			return "ready", nil
		},
		TeardownFn: func(it *loadtest.Iteration, data any) error {
			teardowns.Add(1)
			return nil
		},
		Exports: map[string]loadtest.IterationFunc{
			"default": func(it *loadtest.Iteration) error {
				resp := it.Post("/api/pizza", map[string]any{"maxCaloriesPerSlice": 1000}, nil)
				it.CheckResponse(resp, loadtest.ResponseChecks{
					"status is 200": func(r *swarmhttp.Response) bool { return r.StatusCode == http.StatusOK },
				})
				if it.SetupData() != "ready" {
					return errors.New("setup data missing")
				}
				it.Add("ingredients", float64(len(resp.JSON("pizza.ingredients").Array())), nil)
				return it.Add("pizzas", 1, nil)
			},
		},
	}
}

func fastOptions() *config.ExecutionOptions {
	return &config.ExecutionOptions{ThresholdInterval: "20ms", SchedulerTick: "10ms"}
}

func TestEngine_PerVUIterations(t *testing.T) {
	srv, pizzas := newPizzaServer(t, http.StatusOK)
	var teardowns atomic.Int64

	cfg := &config.TestConfig{
		Name:     "pizza",
		Script:   "pizza",
		Settings: config.GlobalSettings{BaseURL: srv.URL},
		Scenarios: map[string]*config.ScenarioConfig{
			"orders": {Executor: "per-vu-iterations", VUs: 2, Iterations: 5},
		},
		Thresholds: map[string][]config.ThresholdConfig{
			"pizzas":            {{Threshold: "count==10"}},
			"checks":            {{Threshold: "rate==1"}},
			"http_req_failed":   {{Threshold: "rate<0.01"}},
			"http_req_duration": {{Threshold: "p(95)<5000"}},
			"ingredients":       {{Threshold: "avg==2"}},
		},
		Options: fastOptions(),
	}

	e, err := engine.NewEngine(cfg, pizzaScript(&teardowns))
	require.NoError(t, err)
	assert.Equal(t, engine.StateIdle, e.State())

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.NotEmpty(t, result.RunID)
	assert.True(t, result.Passed, "failed thresholds: %+v", result.FailedThresholds())
	assert.Empty(t, result.FailedThresholds())
	assert.False(t, result.Aborted)
	assert.False(t, result.Interrupted)
	assert.Equal(t, engine.StateCompleted, e.State())
	assert.Equal(t, int64(1), teardowns.Load())
	assert.Equal(t, int64(10), pizzas.Load())

	orders := result.Scenario("orders")
	require.NotNil(t, orders)
	assert.True(t, orders.Started)
	assert.Equal(t, int64(10), orders.Iterations)
	assert.Equal(t, "per-vu-iterations", orders.Executor)

	require.Len(t, result.Checks, 1)
	assert.Equal(t, "status is 200", result.Checks[0].Name)
	assert.Equal(t, int64(10), result.Checks[0].Passes)
	assert.Equal(t, 1.0, result.Checks[0].Rate)

	agg, ok := e.Store().Snapshot("iterations")
	require.True(t, ok)
	assert.Equal(t, 10.0, agg.Sum)

	families, err := e.Registry().Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 10.0, values["swarm_iterations_total"])
	assert.Equal(t, float64(engine.StateCompleted), values["swarm_engine_state"])
	assert.Equal(t, 2.0, values["swarm_vus_max"])
}

func TestEngine_SetupFailure(t *testing.T) {
	srv, pizzas := newPizzaServer(t, http.StatusServiceUnavailable)
	var teardowns atomic.Int64

	cfg := &config.TestConfig{
		Script:   "pizza",
		Settings: config.GlobalSettings{BaseURL: srv.URL},
		VUs:      2,
		Duration: "1s",
		Options:  fastOptions(),
	}

	e, err := engine.NewEngine(cfg, pizzaScript(&teardowns))
	require.NoError(t, err)

	result, err := e.Run(context.Background())
	require.Error(t, err)

	var setupErr *engine.SetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Equal(t, engine.StageSetup, setupErr.Stage)
	assert.Contains(t, err.Error(), "service unhealthy")

	require.NotNil(t, result)
	assert.False(t, result.Passed)
	assert.Empty(t, result.Scenarios)
	assert.Equal(t, int64(0), pizzas.Load())
	assert.Equal(t, int64(0), teardowns.Load())
	assert.Equal(t, engine.StateCompleted, e.State())
}

func TestEngine_SetupPanic(t *testing.T) {
	var teardowns atomic.Int64
	script := pizzaScript(&teardowns)
	script.SetupFn = func(it *loadtest.Iteration) (any, error) {
		panic("boom")
	}

	e, err := engine.NewEngine(&config.TestConfig{Script: "pizza", VUs: 1, Duration: "1s"}, script)
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	var setupErr *engine.SetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Contains(t, err.Error(), "panic: boom")
	assert.Equal(t, int64(0), teardowns.Load())
}

func TestEngine_DatasetFailure(t *testing.T) {
	var teardowns atomic.Int64

	cfg := &config.TestConfig{
		Script:   "pizza",
		VUs:      1,
		Duration: "1s",
		Datasets: map[string]*config.DatasetConfig{
			"tokens": {Path: filepath.Join(t.TempDir(), "missing.json")},
		},
	}

	e, err := engine.NewEngine(cfg, pizzaScript(&teardowns))
	require.NoError(t, err)

	result, err := e.Run(context.Background())
	var setupErr *engine.SetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Equal(t, engine.StageDatasets, setupErr.Stage)

	var loadErr *dataset.LoadError
	assert.True(t, errors.As(err, &loadErr))
	assert.Empty(t, result.Scenarios)
}

func TestEngine_DatasetShared(t *testing.T) {
	srv, _ := newPizzaServer(t, http.StatusOK)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokens.json"), []byte(`{"tokens":["a","b","c"]}`), 0644))

	var seen sync.Map
	var teardowns atomic.Int64
	script := pizzaScript(&teardowns)
	script.Exports["default"] = func(it *loadtest.Iteration) error {
		tokens := it.Dataset("tokens")
		if tokens == nil {
			return errors.New("dataset missing")
		}
		seen.Store(tokens.Random().String(), true)
		return nil
	}

	cfg := &config.TestConfig{
		Script:   "pizza",
		Settings: config.GlobalSettings{BaseURL: srv.URL},
		Datasets: map[string]*config.DatasetConfig{
			"tokens": {Path: filepath.Join(dir, "tokens.json"), Field: "tokens"},
		},
		Scenarios: map[string]*config.ScenarioConfig{
			"read": {Executor: "per-vu-iterations", VUs: 3, Iterations: 20},
		},
		Thresholds: map[string][]config.ThresholdConfig{
			"iterations_failed": {{Threshold: "rate==0"}},
		},
	}

	e, err := engine.NewEngine(cfg, script)
	require.NoError(t, err)

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Passed, "failed thresholds: %+v", result.FailedThresholds())

	seen.Range(func(key, _ any) bool {
		assert.Contains(t, []string{"a", "b", "c"}, key)
		return true
	})
}

func TestEngine_AbortOnFail(t *testing.T) {
	srv, _ := newPizzaServer(t, http.StatusOK)
	var teardowns atomic.Int64
	var maxVU atomic.Int64

	script := pizzaScript(&teardowns)
	script.Metrics = append(script.Metrics, loadtest.MetricDecl{Name: "errors", Kind: metrics.KindCounter})
	script.Exports["default"] = func(it *loadtest.Iteration) error {
		for {
			cur := maxVU.Load()
			if it.VUID() <= cur || maxVU.CompareAndSwap(cur, it.VUID()) {
				break
			}
		}
		it.Add("errors", 1, nil)
		it.Sleep(10 * time.Millisecond)
		return nil
	}

	cfg := &config.TestConfig{
		Script:   "pizza",
		Settings: config.GlobalSettings{BaseURL: srv.URL},
		Scenarios: map[string]*config.ScenarioConfig{
			"ramp": {
				Executor: "ramping-vus",
				Stages:   []config.StageConfig{{Duration: "5s", Target: 100}},
			},
			"late": {Executor: "constant-vus", VUs: 5, Duration: "1s", StartTime: "3s"},
		},
		Thresholds: map[string][]config.ThresholdConfig{
			"errors": {{Threshold: "count<1", AbortOnFail: true}},
		},
		Options: fastOptions(),
	}

	e, err := engine.NewEngine(cfg, script)
	require.NoError(t, err)

	start := time.Now()
	result, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.True(t, result.Aborted)
	require.NotNil(t, result.AbortReason)
	assert.Equal(t, "errors", result.AbortReason.Metric)
	assert.False(t, result.Passed)
	assert.Equal(t, int64(1), teardowns.Load())

	// the ramp was far below its target when spawning stopped
	assert.Less(t, maxVU.Load(), int64(50))
	assert.Positive(t, result.VUsAtAbort)
	assert.Equal(t, result.VUsAtAbort, result.VUsSpawned, "VUs spawned after the abort")

	late := result.Scenario("late")
	require.NotNil(t, late)
	assert.False(t, late.Started)

	failed := result.FailedThresholds()
	require.Len(t, failed, 1)
	assert.Equal(t, "errors", failed[0].Metric)
}

func TestEngine_AbortFailsEvenIfMetricRecovers(t *testing.T) {
	srv, _ := newPizzaServer(t, http.StatusOK)
	var teardowns atomic.Int64

	script := pizzaScript(&teardowns)
	script.Metrics = append(script.Metrics, loadtest.MetricDecl{Name: "bad", Kind: metrics.KindRate})
	script.Exports["default"] = func(it *loadtest.Iteration) error {
		if it.VUID() == 1 {
			it.Add("bad", 1, nil)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
		it.Add("bad", 0, nil)
		return nil
	}

	cfg := &config.TestConfig{
		Script:   "pizza",
		Settings: config.GlobalSettings{BaseURL: srv.URL},
		Scenarios: map[string]*config.ScenarioConfig{
			"once": {Executor: "per-vu-iterations", VUs: 10, Iterations: 1},
		},
		Thresholds: map[string][]config.ThresholdConfig{
			"bad": {{Threshold: "rate<0.5", AbortOnFail: true}},
		},
		Options: fastOptions(),
	}

	e, err := engine.NewEngine(cfg, script)
	require.NoError(t, err)

	result, err := e.Run(context.Background())
	require.NoError(t, err)

	require.True(t, result.Aborted)
	require.NotNil(t, result.AbortReason)
	assert.Equal(t, "bad", result.AbortReason.Metric)

	// the drained iterations pulled the rate back under the limit
	require.Len(t, result.Thresholds, 1)
	assert.True(t, result.Thresholds[0].Passed)
	assert.Less(t, result.Thresholds[0].Observed, 0.5)

	assert.False(t, result.Passed)
	assert.Equal(t, engine.StateCompleted, e.State())
}

func TestEngine_StopAfterRunKeepsCompletedState(t *testing.T) {
	srv, _ := newPizzaServer(t, http.StatusOK)
	var teardowns atomic.Int64

	cfg := &config.TestConfig{
		Script:   "pizza",
		Settings: config.GlobalSettings{BaseURL: srv.URL},
		Scenarios: map[string]*config.ScenarioConfig{
			"orders": {Executor: "per-vu-iterations", VUs: 1, Iterations: 1},
		},
		Options: fastOptions(),
	}

	e, err := engine.NewEngine(cfg, pizzaScript(&teardowns))
	require.NoError(t, err)

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Passed)

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, engine.StateCompleted, e.State())
}

func TestEngine_StartTime(t *testing.T) {
	srv, _ := newPizzaServer(t, http.StatusOK)
	var teardowns atomic.Int64
	var firstAt, secondAt atomic.Int64

	script := pizzaScript(&teardowns)
	script.Exports["first"] = func(it *loadtest.Iteration) error {
		firstAt.Store(time.Now().UnixNano())
		return nil
	}
	script.Exports["second"] = func(it *loadtest.Iteration) error {
		secondAt.Store(time.Now().UnixNano())
		return nil
	}

	cfg := &config.TestConfig{
		Script:   "pizza",
		Settings: config.GlobalSettings{BaseURL: srv.URL},
		Scenarios: map[string]*config.ScenarioConfig{
			"first":  {Exec: "first", Executor: "per-vu-iterations", VUs: 1, Iterations: 1},
			"second": {Exec: "second", Executor: "per-vu-iterations", VUs: 1, Iterations: 1, StartTime: "200ms"},
		},
	}

	e, err := engine.NewEngine(cfg, script)
	require.NoError(t, err)

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Passed)

	require.NotZero(t, firstAt.Load())
	require.NotZero(t, secondAt.Load())
	assert.GreaterOrEqual(t, time.Duration(secondAt.Load()-firstAt.Load()), 150*time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, result.Scenario("second").StartTime)
	assert.True(t, result.Scenario("second").Started)
}

func TestEngine_Interrupt(t *testing.T) {
	srv, _ := newPizzaServer(t, http.StatusOK)
	var teardowns atomic.Int64

	script := pizzaScript(&teardowns)
	script.Exports["default"] = func(it *loadtest.Iteration) error {
		it.Sleep(50 * time.Millisecond)
		return nil
	}

	cfg := &config.TestConfig{
		Script:   "pizza",
		Settings: config.GlobalSettings{BaseURL: srv.URL},
		VUs:      3,
		Duration: "30s",
	}

	e, err := engine.NewEngine(cfg, script)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := e.Run(ctx)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, result.Interrupted)
	assert.False(t, result.Aborted)
	assert.Equal(t, int64(1), teardowns.Load())
}

func TestEngine_UnknownThresholdMetric(t *testing.T) {
	srv, _ := newPizzaServer(t, http.StatusOK)
	var teardowns atomic.Int64

	cfg := &config.TestConfig{
		Script:    "pizza",
		Settings:  config.GlobalSettings{BaseURL: srv.URL},
		Scenarios: map[string]*config.ScenarioConfig{"once": {Executor: "per-vu-iterations", VUs: 1, Iterations: 1}},
		Thresholds: map[string][]config.ThresholdConfig{
			"no_such_metric": {{Threshold: "count>0"}},
		},
	}

	e, err := engine.NewEngine(cfg, pizzaScript(&teardowns))
	require.NoError(t, err)

	result, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Passed)
	failed := result.FailedThresholds()
	require.Len(t, failed, 1)
	assert.NotEmpty(t, failed[0].Error)
}

func TestEngine_SubmetricThreshold(t *testing.T) {
	srv, _ := newPizzaServer(t, http.StatusOK)
	var teardowns atomic.Int64

	cfg := &config.TestConfig{
		Script:   "pizza",
		Settings: config.GlobalSettings{BaseURL: srv.URL},
		Scenarios: map[string]*config.ScenarioConfig{
			"a": {Executor: "per-vu-iterations", VUs: 1, Iterations: 3},
			"b": {Executor: "per-vu-iterations", VUs: 1, Iterations: 2},
		},
		Thresholds: map[string][]config.ThresholdConfig{
			"http_reqs{scenario:a}": {{Threshold: "count==3"}},
			"http_reqs{scenario:b}": {{Threshold: "count==2"}},
		},
	}

	e, err := engine.NewEngine(cfg, pizzaScript(&teardowns))
	require.NoError(t, err)

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Passed, "failed thresholds: %+v", result.FailedThresholds())
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	var teardowns atomic.Int64

	tests := []struct {
		name string
		cfg  *config.TestConfig
	}{
		{"no scenarios", &config.TestConfig{Script: "pizza"}},
		{"unknown exec", &config.TestConfig{
			Script:    "pizza",
			Scenarios: map[string]*config.ScenarioConfig{"s": {Exec: "missing", VUs: 1, Duration: "1s"}},
		}},
		{"bad threshold", &config.TestConfig{
			Script: "pizza", VUs: 1, Duration: "1s",
			Thresholds: map[string][]config.ThresholdConfig{"checks": {{Threshold: "rate ~ 1"}}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.NewEngine(tt.cfg, pizzaScript(&teardowns))
			require.Error(t, err)

			var verrs *config.ValidationErrors
			assert.True(t, errors.As(err, &verrs), "error %v is not a ValidationErrors", err)
		})
	}
}

func TestEngine_RunTwice(t *testing.T) {
	var teardowns atomic.Int64
	script := pizzaScript(&teardowns)
	script.SetupFn = nil
	script.Exports["default"] = func(it *loadtest.Iteration) error { return nil }

	e, err := engine.NewEngine(&config.TestConfig{
		Script:    "pizza",
		Scenarios: map[string]*config.ScenarioConfig{"once": {Executor: "per-vu-iterations", VUs: 1, Iterations: 1}},
	}, script)
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, e.IsRunning())

	_, err = e.Run(context.Background())
	assert.Error(t, err)
}

func TestEngine_Stop(t *testing.T) {
	var teardowns atomic.Int64
	script := pizzaScript(&teardowns)
	script.SetupFn = nil
	script.Exports["default"] = func(it *loadtest.Iteration) error {
		it.Sleep(10 * time.Millisecond)
		return nil
	}

	e, err := engine.NewEngine(&config.TestConfig{Script: "pizza", VUs: 2, Duration: "30s"}, script)
	require.NoError(t, err)

	done := make(chan *engine.RunResult, 1)
	go func() {
		result, _ := e.Run(context.Background())
		done <- result
	}()

	require.Eventually(t, func() bool {
		return e.State() == engine.StateRunning && len(e.GetScenarioStats()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))

	result := <-done
	assert.True(t, result.Aborted)
	assert.Nil(t, result.AbortReason)
	assert.False(t, result.Interrupted)
	assert.Equal(t, int64(1), teardowns.Load())
}
