package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Aggregate is an immutable point-in-time view of a metric.
//
// Which fields are meaningful depends on Kind:
//   - Counter: Sum, Count, Rate() (per second over Elapsed)
//   - Gauge: Value, Min, Max
//   - Rate: Passes, Count, Rate() (fraction of non-zero samples)
//   - Trend: Count, Sum, Min, Max, Avg(), Percentile()
type Aggregate struct {
	Kind    Kind
	Count   int64
	Sum     float64
	Min     float64
	Max     float64
	Value   float64
	Passes  int64
	Elapsed time.Duration

	quantile func(p float64) float64
}

// Empty reports whether no sample has been recorded.
func (a Aggregate) Empty() bool {
	return a.Count == 0
}

// Avg returns Sum/Count, or 0 without samples.
func (a Aggregate) Avg() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// Rate returns the fraction of non-zero samples for rates and the
// per-second throughput for counters.
func (a Aggregate) Rate() float64 {
	switch a.Kind {
	case KindRate:
		if a.Count == 0 {
			return 0
		}
		return float64(a.Passes) / float64(a.Count)
	case KindCounter:
		secs := a.Elapsed.Seconds()
		if secs <= 0 {
			return 0
		}
		return a.Sum / secs
	default:
		return 0
	}
}

// Fails returns the number of zero samples of a rate.
func (a Aggregate) Fails() int64 {
	return a.Count - a.Passes
}

// Percentile returns the p-th percentile (0..100) of a trend. Repeated
// queries on the same aggregate return identical results.
func (a Aggregate) Percentile(p float64) float64 {
	if a.quantile == nil || a.Count == 0 {
		return 0
	}
	return a.quantile(p)
}

// Med returns the median of a trend.
func (a Aggregate) Med() float64 {
	return a.Percentile(50)
}

type sink interface {
	add(v float64)
	copyState() Aggregate
}

// validator is implemented by sinks that accept only some values.
type validator interface {
	validate(v float64) error
}

func newSink(kind Kind, trend TrendOptions) sink {
	switch kind {
	case KindCounter:
		return &counterSink{}
	case KindGauge:
		return &gaugeSink{}
	case KindRate:
		return &rateSink{}
	case KindTrend:
		if trend.Mode == TrendApproximate {
			return newHistogramTrend(trend)
		}
		return &exactTrend{}
	default:
		return &counterSink{}
	}
}

// aggregate stamps the kind and elapsed time on a copied state.
func (a Aggregate) aggregate(kind Kind, elapsed time.Duration) Aggregate {
	a.Kind = kind
	a.Elapsed = elapsed
	return a
}

type counterSink struct {
	sum   float64
	count int64
}

func (s *counterSink) add(v float64) {
	s.sum += v
	s.count++
}

func (s *counterSink) copyState() Aggregate {
	return Aggregate{Sum: s.sum, Count: s.count}
}

type gaugeSink struct {
	value, min, max float64
	count           int64
}

func (s *gaugeSink) add(v float64) {
	if s.count == 0 || v < s.min {
		s.min = v
	}
	if s.count == 0 || v > s.max {
		s.max = v
	}
	s.value = v
	s.count++
}

func (s *gaugeSink) copyState() Aggregate {
	return Aggregate{Value: s.value, Min: s.min, Max: s.max, Count: s.count}
}

type rateSink struct {
	passes, count int64
}

func (s *rateSink) add(v float64) {
	if v != 0 {
		s.passes++
	}
	s.count++
}

func (s *rateSink) copyState() Aggregate {
	return Aggregate{Passes: s.passes, Count: s.count}
}

// exactTrend keeps every value in insertion order.
type exactTrend struct {
	values   []float64
	sum      float64
	min, max float64
}

func (s *exactTrend) add(v float64) {
	if len(s.values) == 0 || v < s.min {
		s.min = v
	}
	if len(s.values) == 0 || v > s.max {
		s.max = v
	}
	s.values = append(s.values, v)
	s.sum += v
}

func (s *exactTrend) copyState() Aggregate {
	values := make([]float64, len(s.values))
	copy(values, s.values)

	var once sync.Once
	return Aggregate{
		Count: int64(len(values)),
		Sum:   s.sum,
		Min:   s.min,
		Max:   s.max,
		quantile: func(p float64) float64 {
			once.Do(func() { sort.Float64s(values) })
			return percentile(values, p)
		},
	}
}

// percentile interpolates linearly between the closest ranks of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}

	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := lo + 1
	if hi >= n {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// histogramTrend trades exactness for constant memory. Values are scaled
// to integers before recording.
type histogramTrend struct {
	hist     *hdrhistogram.Histogram
	scale    float64
	sum      float64
	min, max float64
	count    int64
}

func newHistogramTrend(opts TrendOptions) *histogramTrend {
	opts = opts.withDefaults()
	return &histogramTrend{
		hist:  hdrhistogram.New(1, opts.Highest, opts.SignificantFigures),
		scale: opts.Scale,
	}
}

func (s *histogramTrend) add(v float64) {
	if s.count == 0 || v < s.min {
		s.min = v
	}
	if s.count == 0 || v > s.max {
		s.max = v
	}
	s.sum += v
	s.count++

	scaled := int64(math.Round(v * s.scale))
	if highest := s.hist.HighestTrackableValue(); scaled > highest {
		scaled = highest
	}
	// validate keeps scaled non-negative, so this cannot fail
	_ = s.hist.RecordValue(scaled)
}

// validate rejects values the histogram cannot represent.
func (s *histogramTrend) validate(v float64) error {
	if v < 0 || math.IsNaN(v) {
		return ErrNegativeTrend
	}
	return nil
}

func (s *histogramTrend) copyState() Aggregate {
	snap := hdrhistogram.Import(s.hist.Export())
	scale := s.scale
	minV, maxV := s.min, s.max

	return Aggregate{
		Count: s.count,
		Sum:   s.sum,
		Min:   minV,
		Max:   maxV,
		quantile: func(p float64) float64 {
			if p <= 0 {
				return minV
			}
			if p >= 100 {
				return maxV
			}
			return float64(snap.ValueAtQuantile(p)) / scale
		},
	}
}
