package metrics

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// TrendMode selects how trends store their values.
type TrendMode string

const (
	// TrendExact keeps every value. Percentiles are exact.
	TrendExact TrendMode = "exact"

	// TrendApproximate records into an HDR histogram. Memory is bounded,
	// percentiles are accurate to the configured significant figures.
	// Only non-negative values are accepted.
	TrendApproximate TrendMode = "approximate"
)

// TrendOptions configures trend storage.
type TrendOptions struct {
	Mode TrendMode

	// SignificantFigures for the HDR histogram (1-5, default 3).
	SignificantFigures int

	// Scale multiplies values before they are stored as integers
	// (default 1000, i.e. microsecond resolution for millisecond trends).
	Scale float64

	// Highest is the largest scaled value the histogram tracks
	// (default 3_600_000_000, one hour in microseconds).
	Highest int64
}

func (o TrendOptions) withDefaults() TrendOptions {
	if o.SignificantFigures <= 0 || o.SignificantFigures > 5 {
		o.SignificantFigures = 3
	}
	if o.Scale <= 0 {
		o.Scale = 1000
	}
	if o.Highest <= 0 {
		o.Highest = 3_600_000_000
	}
	return o
}

// Store maps metric names to aggregates. It is the single shared mutable
// structure of a run and is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
	order   []string

	checksMu    sync.RWMutex
	checks      map[string]*checkTally
	checksOrder []string

	trend TrendOptions
	now   func() time.Time
	start atomic.Pointer[time.Time]
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTrendOptions sets how trends store values.
func WithTrendOptions(opts TrendOptions) StoreOption {
	return func(s *Store) {
		s.trend = opts
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		metrics: make(map[string]*Metric),
		checks:  make(map[string]*checkTally),
		trend:   TrendOptions{Mode: TrendExact},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.MarkStart()
	return s
}

// MarkStart resets the origin used for counter rates.
func (s *Store) MarkStart() {
	t := s.now()
	s.start.Store(&t)
}

// Elapsed returns the time since MarkStart.
func (s *Store) Elapsed() time.Duration {
	return s.now().Sub(*s.start.Load())
}

// Register declares a metric. Registering an existing name with the same
// kind returns the existing metric.
func (s *Store) Register(name string, kind Kind, vt ValueType) (*Metric, error) {
	if name == "" {
		return nil, fmt.Errorf("metric name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.metrics[name]; ok {
		if m.Kind != kind {
			return nil, fmt.Errorf("%s is a %s, not a %s: %w", name, m.Kind, kind, ErrKindMismatch)
		}
		return m, nil
	}

	m := newMetric(name, kind, vt, s.trend)
	s.metrics[name] = m
	s.order = append(s.order, name)
	return m, nil
}

// MustRegister is Register for metrics declared at startup.
func (s *Store) MustRegister(name string, kind Kind, vt ValueType) *Metric {
	m, err := s.Register(name, kind, vt)
	if err != nil {
		panic(err)
	}
	return m
}

// Submetric declares a tag-filtered view of a registered metric, e.g.
// `http_req_duration{scenario:stress}`. Samples recorded on the parent
// whose tags contain the selector also feed the submetric.
func (s *Store) Submetric(key string) (*Metric, error) {
	name, selector, err := ParseKey(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.metrics[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownMetric)
	}
	if len(selector) == 0 {
		return parent, nil
	}

	canonical := KeyFor(name, selector)
	if existing, ok := s.metrics[canonical]; ok {
		return existing, nil
	}

	sub := newMetric(canonical, parent.Kind, parent.Contains, s.trend)
	sub.Parent = parent
	sub.Selector = selector

	parent.subMu.Lock()
	parent.submetrics = append(parent.submetrics, sub)
	parent.subMu.Unlock()

	s.metrics[canonical] = sub
	s.order = append(s.order, canonical)
	return sub, nil
}

// Get returns a registered metric.
func (s *Store) Get(name string) (*Metric, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[name]
	return m, ok
}

// Record adds a value to a metric, stamped with the current time.
func (s *Store) Record(name string, value float64, tags Tags) error {
	return s.Add(Sample{Metric: name, Value: value, Time: s.now(), Tags: tags})
}

// Add appends a sample to its metric's aggregate.
func (s *Store) Add(sample Sample) error {
	m, ok := s.Get(sample.Metric)
	if !ok {
		return fmt.Errorf("%s: %w", sample.Metric, ErrUnknownMetric)
	}
	if m.Parent != nil {
		return fmt.Errorf("%s is a submetric and cannot be recorded to directly", sample.Metric)
	}
	if sample.Time.IsZero() {
		sample.Time = s.now()
	}
	return m.add(sample.Value, sample.Time, sample.Tags)
}

// Snapshot returns a consistent view of one metric (or submetric key).
func (s *Store) Snapshot(name string) (Aggregate, bool) {
	m, ok := s.Get(name)
	if !ok {
		return Aggregate{}, false
	}
	return m.snapshot(s.Elapsed()), true
}

// Names returns metric names in registration order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Summary is the end-of-run view of a metric.
type Summary struct {
	Name     string             `json:"name"`
	Kind     Kind               `json:"type"`
	Contains ValueType          `json:"contains"`
	Values   map[string]float64 `json:"values"`
	Keys     []string           `json:"-"`
}

// TrendColumns are the statistics reported for trends.
var TrendColumns = []string{"avg", "min", "med", "max", "p(90)", "p(95)"}

// Summarize renders a metric's aggregate as named statistics.
func Summarize(name string, kind Kind, vt ValueType, agg Aggregate) Summary {
	sum := Summary{Name: name, Kind: kind, Contains: vt, Values: make(map[string]float64)}
	set := func(k string, v float64) {
		sum.Values[k] = v
		sum.Keys = append(sum.Keys, k)
	}

	switch kind {
	case KindCounter:
		set("count", agg.Sum)
		set("rate", agg.Rate())
	case KindGauge:
		set("value", agg.Value)
		set("min", agg.Min)
		set("max", agg.Max)
	case KindRate:
		set("rate", agg.Rate())
		set("passes", float64(agg.Passes))
		set("fails", float64(agg.Fails()))
	case KindTrend:
		set("avg", agg.Avg())
		set("min", agg.Min)
		set("med", agg.Med())
		set("max", agg.Max)
		set("p(90)", agg.Percentile(90))
		set("p(95)", agg.Percentile(95))
	}
	return sum
}

// Summaries returns a summary for every metric that received samples,
// sorted by name.
func (s *Store) Summaries() []Summary {
	elapsed := s.Elapsed()

	s.mu.RLock()
	metrics := make([]*Metric, 0, len(s.metrics))
	for _, m := range s.metrics {
		metrics = append(metrics, m)
	}
	s.mu.RUnlock()

	out := make([]Summary, 0, len(metrics))
	for _, m := range metrics {
		agg := m.snapshot(elapsed)
		if agg.Empty() {
			continue
		}
		out = append(out, Summarize(m.Name, m.Kind, m.Contains, agg))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
