package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
	"github.com/wesleyorama2/swarm/internal/loadtest/threshold"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

var validExecutors = map[string]bool{
	"constant-vus":         true,
	"ramping-vus":          true,
	"per-vu-iterations":    true,
	"constant-concurrency": true,
	"staged-ramp":          true,
}

// Validate validates the entire test configuration. Call it after
// ApplyDefaults.
//
// Returns nil if valid, or a *ValidationErrors containing all validation errors.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	if c.Script == "" {
		errs.Add("script", "script is required")
	}

	if hasShorthand(c) && len(c.Scenarios) > 0 {
		errs.Add("vus", "top-level vus, duration and stages cannot be combined with scenarios")
	}

	if len(c.Scenarios) == 0 {
		errs.Add("scenarios", "at least one scenario is required")
	}

	for _, name := range sortedKeys(c.Scenarios) {
		validateScenario(name, c.Scenarios[name], errs)
	}

	for _, name := range sortedKeys(c.Datasets) {
		validateDataset(name, c.Datasets[name], errs)
	}

	validateThresholds(c.Thresholds, errs)
	validateSettings(&c.Settings, errs)
	validateOptions(c.Options, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// validateScenario validates a single scenario configuration.
func validateScenario(name string, sc *ScenarioConfig, errs *ValidationErrors) {
	prefix := fmt.Sprintf("scenarios.%s", name)
	if sc == nil {
		errs.Add(prefix, "scenario is empty")
		return
	}

	if sc.Executor == "" {
		errs.Add(prefix+".executor", "executor type is required")
	} else if !validExecutors[sc.Executor] {
		errs.Add(prefix+".executor", fmt.Sprintf("unknown executor type: %s", sc.Executor))
	}

	// Executor-specific validation
	switch sc.Executor {
	case "constant-vus", "constant-concurrency":
		validateConstantVUs(prefix, sc, errs)
	case "ramping-vus", "staged-ramp":
		validateRampingVUs(prefix, sc, errs)
	case "per-vu-iterations":
		validateIterationBased(prefix, sc, errs)
	}

	validateDuration(prefix+".startTime", sc.StartTime, errs)
	validateDuration(prefix+".gracefulStop", sc.GracefulStop, errs)

	if sc.Pacing != nil {
		validatePacing(prefix+".pacing", sc.Pacing, errs)
	}

	for i, stage := range sc.Stages {
		validateStage(fmt.Sprintf("%s.stages[%d]", prefix, i), &stage, errs)
	}
}

// validateConstantVUs validates constant-vus executor config.
func validateConstantVUs(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.VUs <= 0 {
		errs.Add(prefix+".vus", "vus must be greater than 0")
	}

	if sc.Duration == "" {
		errs.Add(prefix+".duration", "duration is required for constant-vus executor")
	} else if d, err := ParseDurationString(sc.Duration); err != nil {
		errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
	} else if d <= 0 {
		errs.Add(prefix+".duration", "duration must be greater than 0")
	}
}

// validateRampingVUs validates ramping-vus executor config.
func validateRampingVUs(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if len(sc.Stages) == 0 {
		errs.Add(prefix+".stages", "at least one stage is required for ramping-vus executor")
	}
	if sc.StartVUs < 0 {
		errs.Add(prefix+".startVUs", "startVUs cannot be negative")
	}
}

// validateIterationBased validates per-vu-iterations executor config.
func validateIterationBased(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.VUs <= 0 {
		errs.Add(prefix+".vus", "vus must be greater than 0")
	}
	if sc.Iterations <= 0 {
		errs.Add(prefix+".iterations", "iterations must be greater than 0")
	}
	validateDuration(prefix+".maxDuration", sc.MaxDuration, errs)
}

// validatePacing validates pacing configuration.
func validatePacing(prefix string, pacing *PacingConfig, errs *ValidationErrors) {
	validTypes := map[string]bool{
		"none": true, "constant": true, "random": true,
	}

	if !validTypes[pacing.Type] {
		errs.Add(prefix+".type", fmt.Sprintf("invalid pacing type: %s", pacing.Type))
	}

	switch pacing.Type {
	case "constant":
		if pacing.Duration == "" {
			errs.Add(prefix+".duration", "duration is required for constant pacing")
		} else {
			validateDuration(prefix+".duration", pacing.Duration, errs)
		}

	case "random":
		if pacing.Min == "" {
			errs.Add(prefix+".min", "min is required for random pacing")
		} else {
			validateDuration(prefix+".min", pacing.Min, errs)
		}

		if pacing.Max == "" {
			errs.Add(prefix+".max", "max is required for random pacing")
		} else {
			validateDuration(prefix+".max", pacing.Max, errs)
		}

		if pacing.Min != "" && pacing.Max != "" {
			minDur, _ := ParseDurationString(pacing.Min)
			maxDur, _ := ParseDurationString(pacing.Max)
			if minDur > maxDur {
				errs.Add(prefix, "min must be less than or equal to max")
			}
		}
	}
}

// validateStage validates a single stage configuration.
func validateStage(prefix string, stage *StageConfig, errs *ValidationErrors) {
	if stage.Duration == "" {
		errs.Add(prefix+".duration", "duration is required")
	} else if d, err := ParseDurationString(stage.Duration); err != nil {
		errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
	} else if d < 0 {
		errs.Add(prefix+".duration", "duration cannot be negative")
	}

	if stage.Target < 0 {
		errs.Add(prefix+".target", "target cannot be negative")
	}
}

func validateDataset(name string, ds *DatasetConfig, errs *ValidationErrors) {
	prefix := fmt.Sprintf("datasets.%s", name)
	if ds == nil || ds.Path == "" {
		errs.Add(prefix+".path", "path is required")
	}
}

// validateThresholds validates threshold declarations against the
// expression grammar.
func validateThresholds(thresholds map[string][]ThresholdConfig, errs *ValidationErrors) {
	for _, key := range sortedKeys(thresholds) {
		if _, _, err := metrics.ParseKey(key); err != nil {
			errs.Add("thresholds."+key, err.Error())
			continue
		}
		for i, tc := range thresholds[key] {
			field := fmt.Sprintf("thresholds.%s[%d]", key, i)
			if _, err := threshold.Parse(tc.Threshold); err != nil {
				errs.Add(field, err.Error())
			}
			validateDuration(field+".delayAbortEval", tc.DelayAbortEval, errs)
		}
	}
}

// validateSettings validates global settings.
func validateSettings(s *GlobalSettings, errs *ValidationErrors) {
	if s.BaseURL != "" {
		if u, err := url.Parse(s.BaseURL); err != nil {
			errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL: %v", err))
		} else if u.Scheme == "" || u.Host == "" {
			errs.Add("settings.baseUrl", "baseUrl must be an absolute URL")
		}
	}

	if s.MaxConnectionsPerHost < 0 {
		errs.Add("settings.maxConnectionsPerHost", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}
}

func validateOptions(o *ExecutionOptions, errs *ValidationErrors) {
	if o == nil {
		return
	}

	validateDuration("options.thresholdInterval", o.ThresholdInterval, errs)
	validateDuration("options.schedulerTick", o.SchedulerTick, errs)
	validateDuration("options.setupTimeout", o.SetupTimeout, errs)
	validateDuration("options.teardownTimeout", o.TeardownTimeout, errs)

	switch metrics.TrendMode(o.TrendMode) {
	case "", metrics.TrendExact, metrics.TrendApproximate:
	default:
		errs.Add("options.trendMode", fmt.Sprintf("unknown trend mode: %s", o.TrendMode))
	}

	if o.HistogramSigFigs < 0 || o.HistogramSigFigs > 5 {
		errs.Add("options.histogramSigFigs", "must be between 1 and 5")
	}
}

func validateDuration(field, value string, errs *ValidationErrors) {
	if d, err := ParseDurationString(value); err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration: %v", err))
	} else if d < 0 {
		errs.Add(field, "duration cannot be negative")
	}
}
