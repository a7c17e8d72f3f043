package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
)

// instruments expose the engine's own progress to Prometheus. Every engine
// owns a registry so that concurrent runs (and tests) never collide.
type instruments struct {
	registry *prometheus.Registry

	vus          *prometheus.GaugeVec
	vusMax       prometheus.Gauge
	aborts       prometheus.Counter
	thresholds   *prometheus.GaugeVec
	setupSeconds prometheus.Gauge
}

func newInstruments(e *Engine) *instruments {
	in := &instruments{
		registry: prometheus.NewRegistry(),
		vus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swarm_vus",
				Help: "Active virtual users per scenario",
			},
			[]string{"scenario"},
		),
		vusMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_vus_max",
			Help: "Highest number of virtual users the run can reach",
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_threshold_aborts_total",
			Help: "Runs aborted by an abortOnFail threshold",
		}),
		thresholds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swarm_threshold_passed",
				Help: "Final threshold verdicts (1 passed, 0 failed)",
			},
			[]string{"metric", "expression"},
		),
		setupSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_setup_duration_seconds",
			Help: "Time spent in setup",
		}),
	}

	state := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "swarm_engine_state",
			Help: "Lifecycle state (0 idle, 1 setup, 2 running, 3 aborting, 4 teardown, 5 completed)",
		},
		func() float64 { return float64(e.State()) },
	)
	iterations := prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "swarm_iterations_total",
			Help: "Completed iterations across all scenarios",
		},
		func() float64 { return e.sum(metrics.Iterations) },
	)
	requests := prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "swarm_http_requests_total",
			Help: "HTTP requests issued by virtual users",
		},
		func() float64 { return e.sum(metrics.HTTPReqs) },
	)

	in.registry.MustRegister(in.vus, in.vusMax, in.aborts, in.thresholds, in.setupSeconds, state, iterations, requests)
	return in
}
