// Package metrics provides the metric store shared by every VU of a run.
package metrics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind identifies the aggregate a metric feeds.
type Kind int

const (
	// KindCounter sums every recorded value.
	KindCounter Kind = iota
	// KindGauge keeps the latest value plus min and max.
	KindGauge
	// KindRate tracks the fraction of non-zero values.
	KindRate
	// KindTrend keeps the distribution for percentile queries.
	KindTrend
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindRate:
		return "rate"
	case KindTrend:
		return "trend"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ValueType describes the unit of recorded values. It only affects formatting.
type ValueType int

const (
	// Default is a plain number.
	Default ValueType = iota
	// Time values are milliseconds.
	Time
	// Data values are bytes.
	Data
)

func (v ValueType) String() string {
	switch v {
	case Time:
		return "time"
	case Data:
		return "data"
	default:
		return "default"
	}
}

// MarshalText renders the value type by name.
func (v ValueType) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

var (
	// ErrUnknownMetric is returned when recording to a metric that was never registered.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrKindMismatch is returned when a metric is re-registered with another kind.
	ErrKindMismatch = errors.New("metric already registered with a different kind")

	// ErrNegativeCounter is returned when a counter receives a negative value.
	ErrNegativeCounter = errors.New("counter values must not be negative")

	// ErrNegativeTrend is returned when an approximate trend receives a
	// negative value.
	ErrNegativeTrend = errors.New("approximate trend values must not be negative")
)

// Tags annotate a sample.
type Tags map[string]string

// Merge returns a new Tags containing t overlaid with other.
func (t Tags) Merge(other Tags) Tags {
	out := make(Tags, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Contains reports whether every key/value of selector is present in t.
func (t Tags) Contains(selector Tags) bool {
	for k, v := range selector {
		if t[k] != v {
			return false
		}
	}
	return true
}

// String renders tags in a stable `k:v,k:v` form.
func (t Tags) String() string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+t[k])
	}
	return strings.Join(parts, ",")
}

// Sample is a single measurement. Samples are write-once.
type Sample struct {
	Metric string
	Value  float64
	Time   time.Time
	Tags   Tags
}

// Metric is a named aggregate. Each metric has its own lock so that
// concurrent writers to different metrics never contend.
type Metric struct {
	Name     string
	Kind     Kind
	Contains ValueType

	// Parent and Selector are set for submetrics only.
	Parent   *Metric
	Selector Tags

	mu         sync.Mutex
	sink       sink
	lastSample time.Time

	subMu      sync.RWMutex
	submetrics []*Metric
}

func newMetric(name string, kind Kind, vt ValueType, trend TrendOptions) *Metric {
	return &Metric{
		Name:     name,
		Kind:     kind,
		Contains: vt,
		sink:     newSink(kind, trend),
	}
}

// add records a value into this metric and every matching submetric.
func (m *Metric) add(value float64, at time.Time, tags Tags) error {
	if m.Kind == KindCounter && value < 0 {
		return fmt.Errorf("%s: %w", m.Name, ErrNegativeCounter)
	}
	if v, ok := m.sink.(validator); ok {
		if err := v.validate(value); err != nil {
			return fmt.Errorf("%s: %w", m.Name, err)
		}
	}

	m.mu.Lock()
	m.sink.add(value)
	if at.After(m.lastSample) {
		m.lastSample = at
	}
	m.mu.Unlock()

	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, sub := range m.submetrics {
		if tags.Contains(sub.Selector) {
			if err := sub.add(value, at, tags); err != nil {
				return err
			}
		}
	}
	return nil
}

// snapshot returns a point-in-time aggregate.
func (m *Metric) snapshot(elapsed time.Duration) Aggregate {
	m.mu.Lock()
	state := m.sink.copyState()
	m.mu.Unlock()

	// Percentile preparation happens outside the lock.
	return state.aggregate(m.Kind, elapsed)
}

// ParseKey splits a threshold key such as `http_req_duration{scenario:stress}`
// into the metric name and its tag selector.
func ParseKey(key string) (string, Tags, error) {
	key = strings.TrimSpace(key)
	open := strings.IndexByte(key, '{')
	if open < 0 {
		if key == "" {
			return "", nil, fmt.Errorf("empty metric name")
		}
		return key, nil, nil
	}

	if !strings.HasSuffix(key, "}") {
		return "", nil, fmt.Errorf("malformed metric selector %q: missing closing brace", key)
	}

	name := strings.TrimSpace(key[:open])
	if name == "" {
		return "", nil, fmt.Errorf("malformed metric selector %q: empty metric name", key)
	}

	body := strings.TrimSpace(key[open+1 : len(key)-1])
	if body == "" {
		return name, nil, nil
	}

	tags := make(Tags)
	for _, pair := range strings.Split(body, ",") {
		k, v, ok := strings.Cut(pair, ":")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" {
			return "", nil, fmt.Errorf("malformed metric selector %q: bad tag %q", key, pair)
		}
		tags[k] = v
	}
	return name, tags, nil
}

// KeyFor renders the canonical key of a metric name and selector.
func KeyFor(name string, selector Tags) string {
	if len(selector) == 0 {
		return name
	}
	return name + "{" + selector.String() + "}"
}
