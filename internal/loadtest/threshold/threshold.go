package threshold

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
)

// Threshold binds an expression to a metric key.
type Threshold struct {
	// Metric is the metric name, optionally with a tag selector
	// such as `http_req_duration{scenario:stress}`.
	Metric string

	Expr Expression

	// AbortOnFail stops the run at the first failing evaluation tick.
	AbortOnFail bool

	// DelayAbortEval postpones abort decisions until the run is this old.
	DelayAbortEval time.Duration
}

// New parses src and returns a threshold on metric.
func New(metric, src string, abortOnFail bool, delayAbortEval time.Duration) (*Threshold, error) {
	name, selector, err := metrics.ParseKey(metric)
	if err != nil {
		return nil, err
	}
	expr, err := Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", metric, err)
	}
	return &Threshold{
		Metric:         metrics.KeyFor(name, selector),
		Expr:           expr,
		AbortOnFail:    abortOnFail,
		DelayAbortEval: delayAbortEval,
	}, nil
}

// Result is the outcome of evaluating one threshold.
type Result struct {
	Metric      string  `json:"metric"`
	Expression  string  `json:"expression"`
	Passed      bool    `json:"passed"`
	Observed    float64 `json:"observed"`
	Target      float64 `json:"target"`
	AbortOnFail bool    `json:"abortOnFail,omitempty"`
	NoData      bool    `json:"noData,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Message describes the observed value against the target.
func (r Result) Message() string {
	if r.Error != "" {
		return r.Error
	}
	expr, err := Parse(r.Expression)
	if err != nil {
		return r.Expression
	}
	left := expr.Agg.String()
	if expr.Agg == AggPercentile {
		left = "p(" + strconv.FormatFloat(expr.Percentile, 'f', -1, 64) + ")"
	}
	return fmt.Sprintf("%s=%s, want %s %s", left,
		strconv.FormatFloat(r.Observed, 'f', -1, 64), expr.Op,
		strconv.FormatFloat(r.Target, 'f', -1, 64))
}

// Evaluate evaluates a threshold against an aggregate.
func (t *Threshold) Evaluate(agg metrics.Aggregate) Result {
	res := Result{
		Metric:      t.Metric,
		Expression:  t.Expr.Source,
		Target:      t.Expr.Target,
		AbortOnFail: t.AbortOnFail,
		NoData:      agg.Empty(),
	}
	passed, observed, err := Evaluate(t.Expr, agg)
	if err != nil {
		res.Error = fmt.Sprintf("%s: %v", t.Metric, err)
		return res
	}
	res.Passed = passed
	res.Observed = observed
	return res
}

// Evaluator samples the metric store and evaluates every threshold.
type Evaluator struct {
	store      *metrics.Store
	thresholds []*Threshold
	logger     *zap.Logger

	mu      sync.Mutex
	failing map[int]bool

	aborted atomic.Bool
	ticks   atomic.Int64
}

// NewEvaluator creates an evaluator over store.
func NewEvaluator(store *metrics.Store, thresholds []*Threshold, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		store:      store,
		thresholds: thresholds,
		logger:     logger.With(zap.String("component", "thresholds")),
		failing:    make(map[int]bool),
	}
}

// Thresholds returns the evaluated thresholds.
func (ev *Evaluator) Thresholds() []*Threshold {
	return ev.thresholds
}

// Ticks returns how many periodic evaluations ran.
func (ev *Evaluator) Ticks() int64 {
	return ev.ticks.Load()
}

// Tick evaluates thresholds whose metrics already have samples. It returns
// the results and the first abortOnFail breach eligible at elapsed, if any.
func (ev *Evaluator) Tick(elapsed time.Duration) ([]Result, *Result) {
	ev.ticks.Add(1)

	var results []Result
	var abort *Result

	for i, t := range ev.thresholds {
		agg, ok := ev.store.Snapshot(t.Metric)
		if !ok || agg.Empty() {
			continue
		}

		res := t.Evaluate(agg)
		results = append(results, res)
		ev.trackTransition(i, res)

		if !res.Passed && t.AbortOnFail && elapsed >= t.DelayAbortEval && abort == nil {
			r := res
			abort = &r
		}
	}
	return results, abort
}

func (ev *Evaluator) trackTransition(i int, res Result) {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	if !res.Passed && !ev.failing[i] {
		ev.logger.Warn("threshold crossed",
			zap.String("metric", res.Metric),
			zap.String("expression", res.Expression),
			zap.Float64("observed", res.Observed),
			zap.String("error", res.Error))
	}
	ev.failing[i] = !res.Passed
}

// Run ticks every interval until ctx is done. onAbort is called at most
// once, on the first tick with an eligible abortOnFail breach.
func (ev *Evaluator) Run(ctx context.Context, interval time.Duration, onAbort func(Result)) {
	if len(ev.thresholds) == 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, abort := ev.Tick(ev.store.Elapsed())
			if abort != nil && ev.aborted.CompareAndSwap(false, true) {
				ev.logger.Warn("aborting run on threshold breach",
					zap.String("metric", abort.Metric),
					zap.String("expression", abort.Expression))
				if onAbort != nil {
					onAbort(*abort)
				}
			}
		}
	}
}

// Final evaluates every threshold, including metrics that never received
// samples (they are evaluated against an empty aggregate).
func (ev *Evaluator) Final() []Result {
	results := make([]Result, 0, len(ev.thresholds))
	for _, t := range ev.thresholds {
		agg, ok := ev.store.Snapshot(t.Metric)
		if !ok {
			results = append(results, Result{
				Metric:      t.Metric,
				Expression:  t.Expr.Source,
				Target:      t.Expr.Target,
				AbortOnFail: t.AbortOnFail,
				NoData:      true,
				Error:       fmt.Sprintf("%s: %v", t.Metric, metrics.ErrUnknownMetric),
			})
			continue
		}
		results = append(results, t.Evaluate(agg))
	}
	return results
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
