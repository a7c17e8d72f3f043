// Package threshold parses and evaluates pass/fail criteria over metric aggregates.
package threshold

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
)

// Aggregation selects which statistic of an aggregate a threshold compares.
type Aggregation int

const (
	// AggRate is the share of non-zero samples of a rate metric.
	AggRate Aggregation = iota
	// AggAvg is the mean of a trend or gauge.
	AggAvg
	// AggMin is the smallest sample.
	AggMin
	// AggMax is the largest sample.
	AggMax
	// AggMed is the median of a trend.
	AggMed
	// AggPercentile is p(N) of a trend.
	AggPercentile
	// AggCount is the number of samples, or the counter total.
	AggCount
	// AggValue is the last value of a gauge.
	AggValue
)

func (a Aggregation) String() string {
	switch a {
	case AggRate:
		return "rate"
	case AggAvg:
		return "avg"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	case AggMed:
		return "med"
	case AggPercentile:
		return "p"
	case AggCount:
		return "count"
	case AggValue:
		return "value"
	default:
		return "unknown"
	}
}

// Operator is a comparison operator.
type Operator int

const (
	// OpLess is "<".
	OpLess Operator = iota
	// OpLessEqual is "<=".
	OpLessEqual
	// OpGreater is ">".
	OpGreater
	// OpGreaterEqual is ">=".
	OpGreaterEqual
	// OpEqual is "==".
	OpEqual
	// OpNotEqual is "!=".
	OpNotEqual
)

func (o Operator) String() string {
	switch o {
	case OpLess:
		return "<"
	case OpLessEqual:
		return "<="
	case OpGreater:
		return ">"
	case OpGreaterEqual:
		return ">="
	case OpEqual:
		return "=="
	case OpNotEqual:
		return "!="
	default:
		return "?"
	}
}

// Compare applies the operator.
func (o Operator) Compare(observed, target float64) bool {
	switch o {
	case OpLess:
		return observed < target
	case OpLessEqual:
		return observed <= target
	case OpGreater:
		return observed > target
	case OpGreaterEqual:
		return observed >= target
	case OpEqual:
		return observed == target
	case OpNotEqual:
		return observed != target
	default:
		return false
	}
}

var operators = map[string]Operator{
	"<":   OpLess,
	"<=":  OpLessEqual,
	">":   OpGreater,
	">=":  OpGreaterEqual,
	"==":  OpEqual,
	"===": OpEqual,
	"!=":  OpNotEqual,
}

var aggregations = map[string]Aggregation{
	"rate":  AggRate,
	"avg":   AggAvg,
	"min":   AggMin,
	"max":   AggMax,
	"med":   AggMed,
	"count": AggCount,
	"value": AggValue,
}

// Expressions look like "p(95)<500", "rate < 0.01" or "avg>=8".
var expressionRe = regexp.MustCompile(`^([a-z]+)(?:\(\s*([0-9.]+)\s*\))?\s*(===|==|!=|<=|>=|<|>)\s*(\S+)$`)

// Expression is a parsed threshold condition.
type Expression struct {
	Source     string
	Agg        Aggregation
	Percentile float64
	Op         Operator
	Target     float64
}

// String returns the expression in canonical form.
func (e Expression) String() string {
	left := e.Agg.String()
	if e.Agg == AggPercentile {
		left = "p(" + strconv.FormatFloat(e.Percentile, 'f', -1, 64) + ")"
	}
	return left + e.Op.String() + strconv.FormatFloat(e.Target, 'f', -1, 64)
}

// Parse parses a threshold expression.
func Parse(src string) (Expression, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return Expression{}, fmt.Errorf("threshold expression cannot be empty")
	}

	m := expressionRe.FindStringSubmatch(trimmed)
	if m == nil {
		return Expression{}, fmt.Errorf("invalid threshold expression %q", src)
	}

	expr := Expression{Source: trimmed, Op: operators[m[3]]}

	if m[1] == "p" {
		if m[2] == "" {
			return Expression{}, fmt.Errorf("invalid threshold expression %q: percentile needs p(N)", src)
		}
		p, err := strconv.ParseFloat(m[2], 64)
		if err != nil || p < 0 || p > 100 {
			return Expression{}, fmt.Errorf("invalid threshold expression %q: percentile must be within [0,100]", src)
		}
		expr.Agg = AggPercentile
		expr.Percentile = p
	} else {
		agg, ok := aggregations[m[1]]
		if !ok || m[2] != "" {
			return Expression{}, fmt.Errorf("invalid threshold expression %q: unknown aggregation %q", src, m[1])
		}
		expr.Agg = agg
	}

	target, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return Expression{}, fmt.Errorf("invalid threshold expression %q: target %q is not a number", src, m[4])
	}
	expr.Target = target

	return expr, nil
}

// Observe extracts the compared statistic from an aggregate. Aggregations
// that do not apply to the metric kind are an error.
func (e Expression) Observe(agg metrics.Aggregate) (float64, error) {
	switch e.Agg {
	case AggRate:
		if agg.Kind == metrics.KindRate || agg.Kind == metrics.KindCounter {
			return agg.Rate(), nil
		}
	case AggCount:
		switch agg.Kind {
		case metrics.KindCounter:
			return agg.Sum, nil
		case metrics.KindTrend, metrics.KindRate:
			return float64(agg.Count), nil
		}
	case AggValue:
		if agg.Kind == metrics.KindGauge {
			return agg.Value, nil
		}
	case AggAvg:
		if agg.Kind == metrics.KindTrend {
			return agg.Avg(), nil
		}
	case AggMed:
		if agg.Kind == metrics.KindTrend {
			return agg.Med(), nil
		}
	case AggPercentile:
		if agg.Kind == metrics.KindTrend {
			return agg.Percentile(e.Percentile), nil
		}
	case AggMin:
		if agg.Kind == metrics.KindTrend || agg.Kind == metrics.KindGauge {
			return agg.Min, nil
		}
	case AggMax:
		if agg.Kind == metrics.KindTrend || agg.Kind == metrics.KindGauge {
			return agg.Max, nil
		}
	}
	return 0, fmt.Errorf("aggregation %s is not supported by %s metrics", e.Agg, agg.Kind)
}

// Evaluate reports whether the aggregate satisfies the expression, along
// with the observed value.
func Evaluate(e Expression, agg metrics.Aggregate) (bool, float64, error) {
	observed, err := e.Observe(agg)
	if err != nil {
		return false, 0, err
	}
	return e.Op.Compare(observed, e.Target), observed, nil
}
