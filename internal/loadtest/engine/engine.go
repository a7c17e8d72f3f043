// Package engine drives a load test through its lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	swarmhttp "github.com/wesleyorama2/swarm/internal/http"
	"github.com/wesleyorama2/swarm/internal/loadtest"
	"github.com/wesleyorama2/swarm/internal/loadtest/config"
	"github.com/wesleyorama2/swarm/internal/loadtest/dataset"
	"github.com/wesleyorama2/swarm/internal/loadtest/executor"
	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
	"github.com/wesleyorama2/swarm/internal/loadtest/threshold"
)

// vuSampleInterval is how often vus is recorded while scenarios run.
const vuSampleInterval = time.Second

// Engine is the lifecycle controller of a single run.
//
// It coordinates:
//   - Setup: metric declaration, dataset loading and the script's setup
//   - Scenario execution with their respective executors
//   - Periodic threshold evaluation, including abortOnFail
//   - Teardown and the final verdict
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("test.yaml")
//	script, _ := loadtest.Lookup(cfg.Script)
//	e, _ := engine.NewEngine(cfg, script)
//	result, _ := e.Run(ctx)
//	fmt.Printf("Test passed: %v\n", result.Passed)
type Engine struct {
	config  *config.TestConfig
	script  loadtest.Script
	options config.RunOptions
	logger  *zap.Logger
	vars    map[string]string
	client  loadtest.Requester
	baseURL string

	store      *metrics.Store
	thresholds []*threshold.Threshold
	evaluator  *threshold.Evaluator
	scenarios  []*scenarioRunner

	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}

	aborted     atomic.Bool
	abortCh     chan struct{}
	mu          sync.Mutex
	abortReason *threshold.Result
	abortedAt   time.Duration
	abortVUs    int64

	env atomic.Pointer[loadtest.Env]

	in *instruments
}

// scenarioRunner manages the execution of a single scenario.
type scenarioRunner struct {
	name      string
	exec      string
	config    *executor.Config
	executor  executor.Executor
	fn        loadtest.IterationFunc
	tags      metrics.Tags
	scheduler *loadtest.VUScheduler
	started   atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithVars sets the variables exposed to iterations (--env).
func WithVars(vars map[string]string) Option {
	return func(e *Engine) {
		e.vars = vars
	}
}

// WithRequester replaces the HTTP collaborator.
func WithRequester(r loadtest.Requester) Option {
	return func(e *Engine) {
		e.client = r
	}
}

// NewEngine validates cfg and prepares one executor per scenario.
//
// Configuration problems are reported as *config.ValidationErrors.
func NewEngine(cfg *config.TestConfig, script loadtest.Script, opts ...Option) (*Engine, error) {
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{
		config:  cfg,
		script:  script,
		logger:  zap.NewNop(),
		done:    make(chan struct{}),
		abortCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.vars = config.MergeVariables(cfg.Env, e.vars)
	e.baseURL = config.ResolveBaseURL(cfg, e.vars)

	ro, err := config.ParseOptions(cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	e.options = ro

	e.thresholds, err = config.Thresholds(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	errs := &config.ValidationErrors{}
	names := make([]string, 0, len(cfg.Scenarios))
	for name := range cfg.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sc := cfg.Scenarios[name]
		exec, execConfig, err := executor.CreateExecutorFromScenarioConfig(context.Background(), name, sc, ro.SchedulerTick)
		if err != nil {
			errs.Add("scenarios."+name, err.Error())
			continue
		}
		fn, ok := script.Exec(sc.Exec)
		if !ok {
			errs.Add("scenarios."+name+".exec", fmt.Sprintf("script %s has no function %q", cfg.Script, sc.Exec))
			continue
		}
		e.scenarios = append(e.scenarios, &scenarioRunner{
			name:     name,
			exec:     sc.Exec,
			config:   execConfig,
			executor: exec,
			fn:       fn,
			tags:     sc.Tags,
		})
	}
	if errs.HasErrors() {
		return nil, fmt.Errorf("invalid configuration: %w", errs)
	}

	if e.client == nil {
		e.client = newClient(cfg, e.baseURL)
	}

	e.store = metrics.NewStore(metrics.WithTrendOptions(ro.Trend))
	e.evaluator = threshold.NewEvaluator(e.store, e.thresholds, e.logger)
	e.in = newInstruments(e)
	return e, nil
}

func newClient(cfg *config.TestConfig, baseURL string) *swarmhttp.Client {
	opts := []swarmhttp.ClientOption{
		swarmhttp.WithBaseURL(baseURL),
		swarmhttp.WithTransport(config.TransportConfig(&cfg.Settings)),
	}
	for k, v := range config.Headers(&cfg.Settings) {
		opts = append(opts, swarmhttp.WithHeader(k, v))
	}
	return swarmhttp.NewClient(opts...)
}

// Run executes the whole lifecycle once. The returned result is never nil
// when the run got past argument checks; err is the setup error, if any.
//
// Cancelling ctx interrupts the run: in-flight iterations are cancelled,
// teardown still runs.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	if !e.started.CompareAndSwap(false, true) {
		return nil, errors.New("engine has already run")
	}
	defer close(e.done)

	logger := e.logger.With(zap.String("component", "engine"))
	result := &RunResult{
		RunID:     uuid.NewString(),
		Name:      e.config.Name,
		Script:    e.config.Script,
		StartTime: time.Now(),
	}
	logger = logger.With(zap.String("run_id", result.RunID))

	e.setState(StateSetup)
	env, err := e.setup(ctx, logger)
	if err != nil {
		logger.Error("setup failed, no scenario will run", zap.Error(err))
		result.SetupErr = err
		result.SetupError = err.Error()
		result.Interrupted = ctx.Err() != nil
		e.finish(result)
		return result, err
	}

	e.env.Store(env)
	e.setState(StateRunning)
	e.store.MarkStart()
	e.runScenarios(ctx, env, logger, result)
	result.Interrupted = ctx.Err() != nil

	e.setState(StateTeardown)
	if err := e.teardown(ctx, env); err != nil {
		logger.Error("teardown failed", zap.Error(err))
		result.TeardownErr = err
		result.Teardown = err.Error()
	}

	e.finish(result)
	logger.Info("run completed",
		zap.Bool("passed", result.Passed),
		zap.Bool("aborted", result.Aborted),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// setup declares metrics, loads datasets and runs the script's setup.
func (e *Engine) setup(ctx context.Context, logger *zap.Logger) (*loadtest.Env, error) {
	start := time.Now()
	defer func() { e.in.setupSeconds.Set(time.Since(start).Seconds()) }()

	e.store.RegisterBuiltins()
	if err := e.script.Init(e.store); err != nil {
		return nil, &SetupError{Stage: StageInit, Err: err}
	}

	for _, th := range e.thresholds {
		if _, err := e.store.Submetric(th.Metric); err != nil {
			logger.Warn("threshold on undeclared metric", zap.String("metric", th.Metric), zap.Error(err))
		}
	}

	datasets, err := dataset.LoadAll(config.DatasetSources(e.config))
	if err != nil {
		return nil, &SetupError{Stage: StageDatasets, Err: err}
	}
	for name, ds := range datasets {
		logger.Debug("dataset loaded", zap.String("dataset", name), zap.Int("records", ds.Len()))
	}

	env := &loadtest.Env{
		Store:    e.store,
		Client:   e.client,
		Datasets: datasets,
		BaseURL:  e.baseURL,
		Vars:     e.vars,
		Logger:   e.logger,
	}

	sctx, cancel := context.WithTimeout(ctx, e.options.SetupTimeout)
	defer cancel()

	var data any
	err = bounded(sctx, func() error {
		var err error
		data, err = e.script.Setup(loadtest.NewIteration(sctx, env, "setup"))
		return err
	})
	if err != nil {
		return nil, &SetupError{Stage: StageSetup, Err: err}
	}
	env.SetupData = data
	return env, nil
}

// teardown runs the script's teardown once, even after an interrupt.
func (e *Engine) teardown(ctx context.Context, env *loadtest.Env) error {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.options.TeardownTimeout)
	defer cancel()

	return bounded(tctx, func() error {
		return e.script.Teardown(loadtest.NewIteration(tctx, env, "teardown"), env.SetupData)
	})
}

// bounded runs fn until it returns or ctx is done. Panics become errors.
func bounded(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runScenarios fans out every scenario and returns once all drained.
func (e *Engine) runScenarios(ctx context.Context, env *loadtest.Env, logger *zap.Logger, result *RunResult) {
	for _, r := range e.scenarios {
		r.scheduler = loadtest.NewVUScheduler(&loadtest.Scenario{
			Name: r.name,
			Exec: r.exec,
			Fn:   r.fn,
			Tags: r.tags,
		}, env, r.config.Pacing)
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		e.evaluator.Run(loopCtx, e.options.ThresholdInterval, e.onThresholdAbort)
	}()
	go func() {
		defer loops.Done()
		e.sampleVUs(loopCtx)
	}()

	results := make([]*ScenarioResult, len(e.scenarios))
	var g errgroup.Group
	for i, r := range e.scenarios {
		results[i] = &ScenarioResult{
			Name:      r.name,
			Executor:  string(r.config.Type),
			Exec:      r.exec,
			StartTime: r.config.StartTime,
		}
		res := results[i]
		g.Go(func() error {
			return e.runScenario(ctx, r, res, logger)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("scenario failed", zap.Error(err))
	}

	stopLoop()
	loops.Wait()
	e.recordVUs()
	result.Scenarios = results
}

// runScenario waits for the scenario's start offset and runs its executor.
// A scenario whose offset had not elapsed when the run aborted never starts.
func (e *Engine) runScenario(ctx context.Context, r *scenarioRunner, res *ScenarioResult, logger *zap.Logger) error {
	if r.config.StartTime > 0 {
		timer := time.NewTimer(r.config.StartTime)
		select {
		case <-timer.C:
		case <-e.abortCh:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}

	r.started.Store(true)
	res.Started = true
	logger.Info("scenario started",
		zap.String("scenario", r.name),
		zap.String("executor", string(r.config.Type)))

	start := time.Now()
	err := r.executor.Run(ctx, r.scheduler)
	res.Duration = time.Since(start)
	res.Stats = r.executor.GetStats()
	res.Iterations = res.Stats.Iterations

	if err != nil {
		res.Error = err.Error()
		return fmt.Errorf("scenario %s: %w", r.name, err)
	}
	logger.Info("scenario finished",
		zap.String("scenario", r.name),
		zap.Int64("iterations", res.Iterations),
		zap.Duration("duration", res.Duration))
	return nil
}

// sampleVUs records vus and vus_max until ctx is done.
func (e *Engine) sampleVUs(ctx context.Context) {
	e.recordVUs()

	ticker := time.NewTicker(vuSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.recordVUs()
		}
	}
}

func (e *Engine) recordVUs() {
	active := 0
	for _, r := range e.scenarios {
		n := 0
		if r.scheduler != nil {
			n = r.scheduler.GetActiveVUCount()
		}
		active += n
		e.in.vus.WithLabelValues(r.name).Set(float64(n))
	}
	maxVUs := e.MaxVUs()
	e.in.vusMax.Set(float64(maxVUs))

	_ = e.store.Record(metrics.VUs, float64(active), nil)
	_ = e.store.Record(metrics.VUsMax, float64(maxVUs), nil)
}

func (e *Engine) onThresholdAbort(res threshold.Result) {
	e.in.aborts.Inc()
	e.abort(&res)
}

// abort stops spawning across all scenarios. In-flight iterations finish.
func (e *Engine) abort(reason *threshold.Result) {
	if !e.aborted.CompareAndSwap(false, true) {
		return
	}
	// only a running test moves to Aborting
	e.state.CompareAndSwap(int32(StateRunning), int32(StateAborting))

	for _, r := range e.scenarios {
		r.executor.Abort()
	}

	e.mu.Lock()
	e.abortReason = reason
	e.abortedAt = e.store.Elapsed()
	if env := e.env.Load(); env != nil {
		e.abortVUs = env.VUsSpawned()
	}
	e.mu.Unlock()
	close(e.abortCh)

	fields := []zap.Field{zap.Duration("at", e.abortedAt)}
	if reason != nil {
		fields = append(fields, zap.String("metric", reason.Metric), zap.String("expression", reason.Expression))
	}
	e.logger.Warn("run aborted", fields...)
}

// finish runs the final evaluation and fills in the verdict.
func (e *Engine) finish(result *RunResult) {
	result.Thresholds = e.evaluator.Final()
	result.Checks = e.store.Checks()
	result.Metrics = e.store.Summaries()

	e.mu.Lock()
	result.Aborted = e.aborted.Load()
	result.AbortedAt = e.abortedAt
	result.AbortReason = e.abortReason
	result.VUsAtAbort = e.abortVUs
	e.mu.Unlock()
	if env := e.env.Load(); env != nil {
		result.VUsSpawned = env.VUsSpawned()
	}

	if result.Scenarios == nil {
		result.Scenarios = []*ScenarioResult{}
	}

	// a threshold abort fails the run even if the metric recovered while draining
	result.Passed = result.SetupErr == nil && result.AbortReason == nil && threshold.AllPassed(result.Thresholds)
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	for _, t := range result.Thresholds {
		v := 0.0
		if t.Passed {
			v = 1
		}
		e.in.thresholds.WithLabelValues(t.Metric, t.Expression).Set(v)
	}
	e.setState(StateCompleted)
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Store returns the run's metric store.
func (e *Engine) Store() *metrics.Store {
	return e.store
}

// Registry returns the engine's Prometheus registry.
func (e *Engine) Registry() *prometheus.Registry {
	return e.in.registry
}

// sum returns the total of a counter, or zero before it was declared.
func (e *Engine) sum(name string) float64 {
	agg, ok := e.store.Snapshot(name)
	if !ok {
		return 0
	}
	return agg.Sum
}

// GetProgress returns the average progress of started scenarios (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	var total float64
	var n int
	for _, r := range e.scenarios {
		if !r.started.Load() {
			continue
		}
		total += r.executor.GetProgress()
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// GetScenarioStats returns the current statistics of every started scenario.
func (e *Engine) GetScenarioStats() map[string]*executor.Stats {
	stats := make(map[string]*executor.Stats, len(e.scenarios))
	for _, r := range e.scenarios {
		if r.started.Load() {
			stats[r.name] = r.executor.GetStats()
		}
	}
	return stats
}

// ExpectedDuration returns the latest scenario end, start offsets included.
// Graceful stop periods are not counted.
func (e *Engine) ExpectedDuration() time.Duration {
	var longest time.Duration
	for _, r := range e.scenarios {
		if d := r.config.StartTime + r.config.TotalDuration(); d > longest {
			longest = d
		}
	}
	return longest
}

// MaxVUs returns the highest VU count the run can reach.
func (e *Engine) MaxVUs() int {
	total := 0
	for _, r := range e.scenarios {
		total += executor.CalculateMaxVUs(r.config)
	}
	return total
}

// Stop aborts the run without a threshold reason and waits for Run to
// return, or for ctx to be done.
func (e *Engine) Stop(ctx context.Context) error {
	e.abort(nil)
	if !e.started.Load() {
		return nil
	}

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether Run is in progress.
func (e *Engine) IsRunning() bool {
	if !e.started.Load() {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}
