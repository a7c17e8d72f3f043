package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	swarmhttp "github.com/wesleyorama2/swarm/internal/http"
	"github.com/wesleyorama2/swarm/internal/loadtest/dataset"
	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
	"github.com/wesleyorama2/swarm/internal/loadtest/threshold"
)

// DefaultScenario is the name of the scenario built from top-level
// vus/duration/stages.
const DefaultScenario = "default"

// BaseURLVar overrides settings.baseUrl when set in the environment.
const BaseURLVar = "BASE_URL"

// Execution defaults.
const (
	DefaultThresholdInterval = 2 * time.Second
	DefaultSchedulerTick     = 100 * time.Millisecond
	DefaultSetupTimeout      = 60 * time.Second
	DefaultTeardownTimeout   = 60 * time.Second
	DefaultHTTPTimeout       = 30 * time.Second
	DefaultUserAgent         = "swarm/1.0"
)

// LoadConfig loads a test configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
//
// Relative dataset paths resolve against the file's directory.
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := ParseConfig(data, path)
	if err != nil {
		return nil, err
	}
	config.dir = filepath.Dir(path)
	return config, nil
}

// ParseConfig parses configuration data.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	var config TestConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		// Try YAML by default
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config (unknown format %s): %w", ext, err)
		}
	}

	return &config, nil
}

// Dir returns the directory the config was loaded from, or "" when it was
// parsed from memory.
func (c *TestConfig) Dir() string {
	return c.dir
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
//
// An empty string is a zero duration.
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	// Try standard Go duration parsing first
	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	// Try parsing as integer seconds
	var seconds int
	var rest string
	if n, _ := fmt.Sscanf(s, "%d%s", &seconds, &rest); n == 1 {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// MergeVariables merges multiple variable maps in order.
// Later maps override earlier ones.
func MergeVariables(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// ApplyDefaults applies default values to a TestConfig.
//
// Top-level vus/duration/stages become a "default" scenario when no
// scenarios are declared.
func ApplyDefaults(config *TestConfig) {
	// Default settings
	if config.Settings.Timeout == 0 {
		config.Settings.Timeout = Duration(DefaultHTTPTimeout)
	}
	if config.Settings.MaxIdleConnsPerHost == 0 {
		config.Settings.MaxIdleConnsPerHost = 100
	}
	if config.Settings.UserAgent == "" {
		config.Settings.UserAgent = DefaultUserAgent
	}

	// Default options
	if config.Options == nil {
		config.Options = &ExecutionOptions{}
	}
	if config.Options.TrendMode == "" {
		config.Options.TrendMode = string(metrics.TrendExact)
	}

	if len(config.Scenarios) == 0 && hasShorthand(config) {
		config.Scenarios = map[string]*ScenarioConfig{
			DefaultScenario: {
				VUs:      config.VUs,
				Duration: config.Duration,
				Stages:   config.Stages,
			},
		}
		config.VUs, config.Duration, config.Stages = 0, "", nil
	}

	// Apply defaults to each scenario
	for _, sc := range config.Scenarios {
		applyScenarioDefaults(sc)
	}
}

func hasShorthand(config *TestConfig) bool {
	return config.VUs > 0 || config.Duration != "" || len(config.Stages) > 0
}

// applyScenarioDefaults applies default values to a scenario.
func applyScenarioDefaults(sc *ScenarioConfig) {
	if sc == nil {
		return
	}

	// Default executor follows the parameters given
	if sc.Executor == "" {
		switch {
		case len(sc.Stages) > 0:
			sc.Executor = "ramping-vus"
		case sc.Iterations > 0:
			sc.Executor = "per-vu-iterations"
		default:
			sc.Executor = "constant-vus"
		}
	}

	if sc.Exec == "" {
		sc.Exec = DefaultScenario
	}

	switch sc.Executor {
	case "constant-vus", "constant-concurrency", "per-vu-iterations":
		if sc.VUs == 0 {
			sc.VUs = 1
		}
	}
}

// ResolveBaseURL returns the base URL for the run. BASE_URL from vars,
// then from the process environment, overrides settings.baseUrl.
func ResolveBaseURL(config *TestConfig, vars map[string]string) string {
	if v := vars[BaseURLVar]; v != "" {
		return v
	}
	if v := os.Getenv(BaseURLVar); v != "" {
		return v
	}
	return config.Settings.BaseURL
}

// DatasetSources converts the dataset declarations, sorted by name.
func DatasetSources(config *TestConfig) []dataset.Source {
	names := make([]string, 0, len(config.Datasets))
	for name := range config.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)

	sources := make([]dataset.Source, 0, len(names))
	for _, name := range names {
		ds := config.Datasets[name]
		sources = append(sources, dataset.Source{
			Name:     name,
			Path:     resolvePath(config.dir, ds.Path),
			Field:    ds.Field,
			Schema:   resolvePath(config.dir, ds.Schema),
			Required: ds.Required,
		})
	}
	return sources
}

func resolvePath(dir, path string) string {
	if path == "" || dir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Thresholds parses every threshold declaration, sorted by metric key.
func Thresholds(config *TestConfig) ([]*threshold.Threshold, error) {
	keys := make([]string, 0, len(config.Thresholds))
	for key := range config.Thresholds {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []*threshold.Threshold
	for _, key := range keys {
		for _, tc := range config.Thresholds[key] {
			delay, err := ParseDurationString(tc.DelayAbortEval)
			if err != nil {
				return nil, fmt.Errorf("thresholds.%s: invalid delayAbortEval: %w", key, err)
			}
			th, err := threshold.New(key, tc.Threshold, tc.AbortOnFail, delay)
			if err != nil {
				return nil, fmt.Errorf("thresholds.%s: %w", key, err)
			}
			out = append(out, th)
		}
	}
	return out, nil
}

// RunOptions are the parsed execution options.
type RunOptions struct {
	ThresholdInterval time.Duration
	SchedulerTick     time.Duration
	SetupTimeout      time.Duration
	TeardownTimeout   time.Duration
	Trend             metrics.TrendOptions
}

// ParseOptions parses execution options, filling in defaults.
func ParseOptions(opts *ExecutionOptions) (RunOptions, error) {
	ro := RunOptions{
		ThresholdInterval: DefaultThresholdInterval,
		SchedulerTick:     DefaultSchedulerTick,
		SetupTimeout:      DefaultSetupTimeout,
		TeardownTimeout:   DefaultTeardownTimeout,
		Trend:             metrics.TrendOptions{Mode: metrics.TrendExact},
	}
	if opts == nil {
		return ro, nil
	}

	durations := []struct {
		field string
		value string
		dest  *time.Duration
	}{
		{"thresholdInterval", opts.ThresholdInterval, &ro.ThresholdInterval},
		{"schedulerTick", opts.SchedulerTick, &ro.SchedulerTick},
		{"setupTimeout", opts.SetupTimeout, &ro.SetupTimeout},
		{"teardownTimeout", opts.TeardownTimeout, &ro.TeardownTimeout},
	}
	for _, d := range durations {
		dur, err := ParseDurationString(d.value)
		if err != nil {
			return ro, fmt.Errorf("options.%s: %w", d.field, err)
		}
		if dur > 0 {
			*d.dest = dur
		}
	}

	if opts.TrendMode != "" {
		ro.Trend.Mode = metrics.TrendMode(opts.TrendMode)
	}
	ro.Trend.SignificantFigures = opts.HistogramSigFigs
	return ro, nil
}

// TransportConfig builds the HTTP connection pool settings.
func TransportConfig(s *GlobalSettings) swarmhttp.TransportConfig {
	tc := swarmhttp.DefaultTransportConfig()
	tc.Timeout = s.Timeout.GetDuration(DefaultHTTPTimeout)
	if s.MaxIdleConnsPerHost > 0 {
		tc.MaxIdleConnsPerHost = s.MaxIdleConnsPerHost
	}
	tc.MaxConnsPerHost = s.MaxConnectionsPerHost
	tc.InsecureSkipVerify = s.InsecureSkipVerify
	return tc
}

// Headers returns the default headers, including the User-Agent.
func Headers(s *GlobalSettings) map[string]string {
	headers := make(map[string]string, len(s.Headers)+1)
	if s.UserAgent != "" {
		headers["User-Agent"] = s.UserAgent
	}
	for k, v := range s.Headers {
		headers[k] = v
	}
	return headers
}
