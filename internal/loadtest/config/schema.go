// Package config provides configuration parsing and validation for swarm test files.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// TestConfig is the root configuration for a load test.
//
// Example YAML:
//
//	name: quickpizza
//	script: quickpizza
//	settings:
//	  baseUrl: "http://localhost:3333"
//	  timeout: 30s
//	datasets:
//	  tokens: {path: ./data/tokens.json, field: tokens}
//	scenarios:
//	  smoke:
//	    exec: getPizza
//	    executor: constant-vus
//	    vus: 1
//	    duration: 10s
//	thresholds:
//	  http_req_failed: ["rate<0.01"]
//	  http_req_duration: ["p(95)<500"]
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Script names the registered script providing setup, teardown and
	// iteration functions
	Script string `json:"script" yaml:"script"`

	// Settings contains global HTTP settings for all scenarios
	Settings GlobalSettings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Env holds variables scripts read through Iteration.Env
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Datasets are loaded once before setup and shared read-only
	Datasets map[string]*DatasetConfig `json:"datasets,omitempty" yaml:"datasets,omitempty"`

	// Shorthand for a single "default" scenario
	VUs      int           `json:"vus,omitempty" yaml:"vus,omitempty"`
	Duration string        `json:"duration,omitempty" yaml:"duration,omitempty"`
	Stages   []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`

	// Scenarios defines the load profiles to run
	// Each scenario runs independently with its own executor
	Scenarios map[string]*ScenarioConfig `json:"scenarios,omitempty" yaml:"scenarios,omitempty"`

	// Thresholds define pass/fail criteria keyed by metric or submetric
	Thresholds map[string][]ThresholdConfig `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Options for test execution
	Options *ExecutionOptions `json:"options,omitempty" yaml:"options,omitempty"`

	// dir is the directory of the file the config was loaded from
	dir string
}

// GlobalSettings contains global HTTP settings.
type GlobalSettings struct {
	// BaseURL is the default base URL for all requests
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the default HTTP request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxConnectionsPerHost limits connections per host
	MaxConnectionsPerHost int `json:"maxConnectionsPerHost,omitempty" yaml:"maxConnectionsPerHost,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// UserAgent is the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers are default headers applied to all requests
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// DatasetConfig describes a shared dataset file.
type DatasetConfig struct {
	// Path to a JSON file, relative to the config file
	Path string `json:"path" yaml:"path"`

	// Field selects the array inside the document
	Field string `json:"field,omitempty" yaml:"field,omitempty"`

	// Schema is an optional JSON schema the array must satisfy
	Schema string `json:"schema,omitempty" yaml:"schema,omitempty"`

	// Required rejects an empty array
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`
}

// ScenarioConfig defines a single load testing scenario.
type ScenarioConfig struct {
	// Executor specifies the concurrency policy
	// Options: "constant-vus", "ramping-vus", "per-vu-iterations"
	// ("constant-concurrency" and "staged-ramp" are aliases)
	Executor string `json:"executor" yaml:"executor"`

	// Exec names the script function each iteration runs
	Exec string `json:"exec,omitempty" yaml:"exec,omitempty"`

	// VUs is the number of virtual users (for constant-vus and per-vu-iterations)
	VUs int `json:"vus,omitempty" yaml:"vus,omitempty"`

	// Duration is how long to run (e.g., "30s", "2m", "1h")
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	// StartVUs is the VU count ramping starts from
	StartVUs int `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`

	// Stages defines ramping stages (for ramping-vus)
	Stages []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`

	// Iterations per VU (for per-vu-iterations)
	Iterations int64 `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	// MaxDuration bounds per-vu-iterations
	MaxDuration string `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`

	// GracefulStop is how long to wait for iterations to finish
	GracefulStop string `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Pacing controls time between iterations
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`

	// StartTime specifies when this scenario should start (relative to test start)
	StartTime string `json:"startTime,omitempty" yaml:"startTime,omitempty"`

	// Tags are custom tags for this scenario's metrics
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// StageConfig defines a single stage in a ramping executor.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration string `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// PacingConfig controls pacing between iterations.
type PacingConfig struct {
	// Type is the pacing strategy: "none", "constant", "random"
	Type string `json:"type" yaml:"type"`

	// Duration is the wait time for constant pacing
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Min is the minimum wait time for random pacing
	Min string `json:"min,omitempty" yaml:"min,omitempty"`

	// Max is the maximum wait time for random pacing
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// ThresholdConfig is one pass/fail criterion.
//
// It is written either as a bare expression or as an object:
//
//	http_req_duration: ["p(95)<500"]
//	checks: [{threshold: "rate>0.95", abortOnFail: true, delayAbortEval: 10s}]
type ThresholdConfig struct {
	Threshold      string `json:"threshold" yaml:"threshold"`
	AbortOnFail    bool   `json:"abortOnFail,omitempty" yaml:"abortOnFail,omitempty"`
	DelayAbortEval string `json:"delayAbortEval,omitempty" yaml:"delayAbortEval,omitempty"`
}

// thresholdObject avoids recursing into the custom unmarshalers.
type thresholdObject ThresholdConfig

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *ThresholdConfig) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*t = ThresholdConfig{Threshold: node.Value}
		return nil
	case yaml.MappingNode:
		var obj thresholdObject
		if err := node.Decode(&obj); err != nil {
			return err
		}
		*t = ThresholdConfig(obj)
		return nil
	default:
		return fmt.Errorf("line %d: threshold must be a string or an object", node.Line)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *ThresholdConfig) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = ThresholdConfig{Threshold: s}
		return nil
	}

	var obj thresholdObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("threshold must be a string or an object: %w", err)
	}
	*t = ThresholdConfig(obj)
	return nil
}

// ExecutionOptions controls test execution behavior.
type ExecutionOptions struct {
	// ThresholdInterval is how often thresholds are evaluated during the run
	ThresholdInterval string `json:"thresholdInterval,omitempty" yaml:"thresholdInterval,omitempty"`

	// SchedulerTick is the control loop interval of ramping executors
	SchedulerTick string `json:"schedulerTick,omitempty" yaml:"schedulerTick,omitempty"`

	// TrendMode is "exact" (default) or "approximate" (HDR histogram)
	TrendMode string `json:"trendMode,omitempty" yaml:"trendMode,omitempty"`

	// HistogramSigFigs is the HDR histogram precision in approximate mode
	HistogramSigFigs int `json:"histogramSigFigs,omitempty" yaml:"histogramSigFigs,omitempty"`

	// SetupTimeout is the maximum time for setup
	SetupTimeout string `json:"setupTimeout,omitempty" yaml:"setupTimeout,omitempty"`

	// TeardownTimeout is the maximum time for teardown
	TeardownTimeout string `json:"teardownTimeout,omitempty" yaml:"teardownTimeout,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes if present
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" {
		s = ""
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	dur, err := ParseDurationString(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
