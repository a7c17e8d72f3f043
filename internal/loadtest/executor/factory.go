package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/wesleyorama2/swarm/internal/loadtest"
	"github.com/wesleyorama2/swarm/internal/loadtest/config"
)

// NewExecutor creates a new executor of the specified type.
//
// Supported types:
//   - "constant-vus" (alias "constant-concurrency") - Fixed number of VUs for a duration
//   - "ramping-vus" (alias "staged-ramp") - VU count ramps up/down according to stages
//   - "per-vu-iterations" - Each VU runs a fixed number of iterations
//
// Returns an uninitialized executor. Call Init() before Run().
func NewExecutor(executorType Type) (Executor, error) {
	switch NormalizeType(string(executorType)) {
	case TypeConstantVUs:
		return NewConstantVUs(), nil
	case TypeRampingVUs:
		return NewRampingVUs(), nil
	case TypePerVUIterations:
		return NewPerVUIterations(), nil
	default:
		return nil, fmt.Errorf("unknown executor type: %s", executorType)
	}
}

// CreateAndInitExecutor creates and initializes an executor with the given config.
func CreateAndInitExecutor(ctx context.Context, cfg *Config) (Executor, error) {
	exec, err := NewExecutor(cfg.Type)
	if err != nil {
		return nil, err
	}

	if err := exec.Init(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize executor: %w", err)
	}

	return exec, nil
}

// CreateExecutorFromScenarioConfig creates and initializes an executor from a scenario config.
//
// tick is the control loop interval for ramping executors; zero keeps the
// default.
func CreateExecutorFromScenarioConfig(ctx context.Context, name string, sc *config.ScenarioConfig, tick time.Duration) (Executor, *Config, error) {
	execConfig, err := ConvertScenarioConfig(name, sc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to convert scenario config: %w", err)
	}
	execConfig.Tick = tick

	exec, err := CreateAndInitExecutor(ctx, execConfig)
	if err != nil {
		return nil, nil, err
	}

	return exec, execConfig, nil
}

// ConvertScenarioConfig converts a config.ScenarioConfig to an executor Config.
func ConvertScenarioConfig(name string, sc *config.ScenarioConfig) (*Config, error) {
	cfg := &Config{
		Name:       name,
		Type:       NormalizeType(sc.Executor),
		VUs:        sc.VUs,
		StartVUs:   sc.StartVUs,
		Iterations: sc.Iterations,
	}

	durations := []struct {
		field string
		value string
		dest  *time.Duration
	}{
		{"duration", sc.Duration, &cfg.Duration},
		{"maxDuration", sc.MaxDuration, &cfg.MaxDuration},
		{"startTime", sc.StartTime, &cfg.StartTime},
		{"gracefulStop", sc.GracefulStop, &cfg.GracefulStop},
	}
	for _, d := range durations {
		dur, err := config.ParseDurationString(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.field, err)
		}
		*d.dest = dur
	}

	for _, stage := range sc.Stages {
		stageDur, err := config.ParseDurationString(stage.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid stage duration: %w", err)
		}
		cfg.Stages = append(cfg.Stages, Stage{
			Duration: stageDur,
			Target:   stage.Target,
			Name:     stage.Name,
		})
	}

	if sc.Pacing != nil {
		pacing, err := convertPacing(sc.Pacing)
		if err != nil {
			return nil, err
		}
		cfg.Pacing = pacing
	}

	return cfg, nil
}

func convertPacing(p *config.PacingConfig) (loadtest.Pacing, error) {
	pacing := loadtest.Pacing{Mode: loadtest.PacingMode(p.Type)}

	var err error
	if pacing.Duration, err = config.ParseDurationString(p.Duration); err != nil {
		return pacing, fmt.Errorf("invalid pacing duration: %w", err)
	}
	if pacing.Min, err = config.ParseDurationString(p.Min); err != nil {
		return pacing, fmt.Errorf("invalid pacing min: %w", err)
	}
	if pacing.Max, err = config.ParseDurationString(p.Max); err != nil {
		return pacing, fmt.Errorf("invalid pacing max: %w", err)
	}
	return pacing, nil
}

// IsValidExecutorType returns true if the type (or alias) is supported.
func IsValidExecutorType(executorType string) bool {
	switch NormalizeType(executorType) {
	case TypeConstantVUs, TypeRampingVUs, TypePerVUIterations:
		return true
	default:
		return false
	}
}

// GetSupportedExecutors returns a list of all supported executor types.
func GetSupportedExecutors() []Type {
	return []Type{
		TypeConstantVUs,
		TypeRampingVUs,
		TypePerVUIterations,
	}
}

// ExecutorDescription provides documentation for an executor type.
type ExecutorDescription struct {
	Type        Type
	Name        string
	Aliases     []string
	Description string
	UseCases    []string
}

// GetExecutorDescription returns documentation for an executor type.
func GetExecutorDescription(executorType Type) *ExecutorDescription {
	switch NormalizeType(string(executorType)) {
	case TypeConstantVUs:
		return &ExecutorDescription{
			Type:        TypeConstantVUs,
			Name:        "Constant VUs",
			Aliases:     []string{AliasConstantConcurrency},
			Description: "Runs a fixed number of VUs for a specified duration. Each VU runs as fast as it can (closed model).",
			UseCases: []string{
				"Smoke testing with a single VU",
				"Basic load testing",
				"Simple soak testing",
			},
		}
	case TypeRampingVUs:
		return &ExecutorDescription{
			Type:        TypeRampingVUs,
			Name:        "Ramping VUs",
			Aliases:     []string{AliasStagedRamp},
			Description: "Ramps VU count up and down according to stages. Linearly interpolates between stage targets.",
			UseCases: []string{
				"Stress testing with gradual load increase",
				"Finding the breaking point of a system",
			},
		}
	case TypePerVUIterations:
		return &ExecutorDescription{
			Type:        TypePerVUIterations,
			Name:        "Per-VU Iterations",
			Description: "Each VU runs a fixed number of iterations, bounded by maxDuration.",
			UseCases: []string{
				"Running a known amount of work",
				"Data-driven tests that consume each record once per VU",
			},
		}
	default:
		return nil
	}
}

// CalculateMaxVUs returns the maximum number of VUs that might be used.
func CalculateMaxVUs(cfg *Config) int {
	switch NormalizeType(string(cfg.Type)) {
	case TypeRampingVUs:
		return MaxTarget(cfg.StartVUs, cfg.Stages)
	default:
		return cfg.VUs
	}
}
