// Package executor provides the concurrency policies that drive a scenario's VUs.
package executor

import (
	"context"
	"time"

	"github.com/wesleyorama2/swarm/internal/loadtest"
)

// Type identifies the type of executor.
type Type string

const (
	// TypeConstantVUs runs a fixed number of VUs for a duration.
	TypeConstantVUs Type = "constant-vus"

	// TypeRampingVUs ramps VU count up and down according to stages.
	TypeRampingVUs Type = "ramping-vus"

	// TypePerVUIterations runs a fixed number of iterations per VU.
	TypePerVUIterations Type = "per-vu-iterations"
)

// Aliases accepted in configuration files.
const (
	AliasConstantConcurrency = "constant-concurrency"
	AliasStagedRamp          = "staged-ramp"
)

// Defaults applied by Config.WithDefaults.
const (
	DefaultGracefulStop = 30 * time.Second
	DefaultTick         = 100 * time.Millisecond
	DefaultMaxDuration  = 10 * time.Minute
)

// NormalizeType maps aliases onto their executor type.
func NormalizeType(s string) Type {
	switch s {
	case AliasConstantConcurrency:
		return TypeConstantVUs
	case AliasStagedRamp:
		return TypeRampingVUs
	default:
		return Type(s)
	}
}

// Executor defines the interface for load generation strategies.
//
// Executors control HOW a scenario's VU count varies over time. Abort and
// duration expiry never cancel an iteration in flight: VUs are asked to stop
// after their current iteration and only the graceful stop timeout, or
// cancellation of the context passed to Run, interrupts them.
type Executor interface {
	// Type returns the executor type.
	Type() Type

	// Init initializes the executor with configuration.
	// Called once before Run().
	Init(ctx context.Context, config *Config) error

	// Run starts the executor and blocks until every VU it started has
	// returned.
	Run(ctx context.Context, scheduler *loadtest.VUScheduler) error

	// GetProgress returns current progress (0.0 to 1.0).
	GetProgress() float64

	// GetActiveVUs returns current active VU count.
	GetActiveVUs() int

	// GetStats returns executor-specific statistics.
	GetStats() *Stats

	// Abort stops spawning and asks running VUs to finish. It does not wait.
	Abort()

	// Stop aborts the executor and waits for Run to return.
	Stop(ctx context.Context) error
}

// Config contains configuration for an executor.
type Config struct {
	// Name is the scenario this executor drives
	Name string `json:"name" yaml:"name"`

	// Type is the executor type
	Type Type `json:"type" yaml:"type"`

	// VU-based executors
	VUs        int           `json:"vus,omitempty" yaml:"vus,omitempty"`
	Duration   time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Iterations int64         `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	// MaxDuration bounds per-vu-iterations
	MaxDuration time.Duration `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`

	// Stages and the VU count they ramp from (for ramping-vus)
	StartVUs int     `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`
	Stages   []Stage `json:"stages,omitempty" yaml:"stages,omitempty"`

	// StartTime is the offset from test start; honored by the caller
	StartTime time.Duration `json:"startTime,omitempty" yaml:"startTime,omitempty"`

	// Graceful stop timeout
	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Tick is the control loop interval of ramping executors
	Tick time.Duration `json:"tick,omitempty" yaml:"tick,omitempty"`

	// Pacing between iterations
	Pacing loadtest.Pacing `json:"pacing,omitempty" yaml:"pacing,omitempty"`
}

// Stage defines a stage in ramping executors.
type Stage struct {
	// Duration of this stage
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Stats contains real-time executor statistics.
type Stats struct {
	// Timing
	StartTime     time.Time     `json:"startTime"`
	CurrentTime   time.Time     `json:"currentTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	// VU stats
	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`
	MaxVUs    int `json:"maxVUs"`

	// Iteration stats
	Iterations      int64 `json:"iterations"`
	TotalIterations int64 `json:"totalIterations"` // For per-vu-iterations

	// Stage info (for ramping executors)
	CurrentStage     int    `json:"currentStage"`
	CurrentStageName string `json:"currentStageName"`
	TotalStages      int    `json:"totalStages"`

	Aborted bool `json:"aborted"`
}

// WithDefaults returns a copy of c with zero tunables replaced by defaults.
func (c Config) WithDefaults() *Config {
	c.Type = NormalizeType(string(c.Type))
	if c.GracefulStop <= 0 {
		c.GracefulStop = DefaultGracefulStop
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.Type == TypePerVUIterations && c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.Pacing.Mode == "" {
		c.Pacing.Mode = loadtest.PacingNone
	}
	return &c
}

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	if c.Type == "" {
		return &ValidationError{Field: "type", Message: "executor type is required"}
	}
	if c.StartTime < 0 {
		return &ValidationError{Field: "startTime", Message: "startTime cannot be negative"}
	}

	switch NormalizeType(string(c.Type)) {
	case TypeConstantVUs:
		if c.VUs <= 0 {
			return &ValidationError{Field: "vus", Message: "vus must be > 0"}
		}
		if c.Duration <= 0 {
			return &ValidationError{Field: "duration", Message: "duration must be > 0"}
		}

	case TypeRampingVUs:
		if len(c.Stages) == 0 {
			return &ValidationError{Field: "stages", Message: "at least one stage is required"}
		}
		if c.StartVUs < 0 {
			return &ValidationError{Field: "startVUs", Message: "startVUs cannot be negative"}
		}
		for _, stage := range c.Stages {
			if stage.Duration < 0 {
				return &ValidationError{Field: "stages", Message: "stage duration cannot be negative"}
			}
			if stage.Target < 0 {
				return &ValidationError{Field: "stages", Message: "stage target cannot be negative"}
			}
		}
		if c.TotalDuration() <= 0 {
			return &ValidationError{Field: "stages", Message: "total stage duration must be > 0"}
		}

	case TypePerVUIterations:
		if c.VUs <= 0 {
			return &ValidationError{Field: "vus", Message: "vus must be > 0"}
		}
		if c.Iterations <= 0 {
			return &ValidationError{Field: "iterations", Message: "iterations must be > 0"}
		}
		if c.MaxDuration < 0 {
			return &ValidationError{Field: "maxDuration", Message: "maxDuration cannot be negative"}
		}

	default:
		return &ValidationError{Field: "type", Message: "unknown executor type: " + string(c.Type)}
	}

	if c.Pacing.Mode == loadtest.PacingRandom && c.Pacing.Min > c.Pacing.Max {
		return &ValidationError{Field: "pacing", Message: "min must be less than or equal to max"}
	}

	return nil
}

// TotalDuration calculates the total duration for this executor.
func (c *Config) TotalDuration() time.Duration {
	switch NormalizeType(string(c.Type)) {
	case TypeConstantVUs:
		return c.Duration

	case TypeRampingVUs:
		var total time.Duration
		for _, stage := range c.Stages {
			total += stage.Duration
		}
		return total

	case TypePerVUIterations:
		// Upper bound; the executor usually finishes earlier
		return c.MaxDuration

	default:
		return 0
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}

// TargetVUs returns the VU count a ramping executor aims for after elapsed.
//
// Each stage interpolates linearly from the previous stage's target (or
// startVUs for the first stage) to its own, rounded to the nearest VU. A
// zero-duration stage jumps to its target instantly. Past the last stage the
// last target holds.
func TargetVUs(startVUs int, stages []Stage, elapsed time.Duration) int {
	var stageStart time.Duration
	prevTarget := startVUs

	for _, stage := range stages {
		stageEnd := stageStart + stage.Duration

		if elapsed < stageEnd {
			// Progress within this stage (0.0 to 1.0)
			progress := float64(elapsed-stageStart) / float64(stage.Duration)
			if progress < 0 {
				progress = 0
			}

			target := float64(prevTarget) + float64(stage.Target-prevTarget)*progress
			return int(target + 0.5)
		}

		prevTarget = stage.Target
		stageStart = stageEnd
	}

	return prevTarget
}

// StageAt returns the index of the stage active after elapsed, or
// len(stages) once every stage has completed.
func StageAt(stages []Stage, elapsed time.Duration) int {
	var stageEnd time.Duration
	for i, stage := range stages {
		stageEnd += stage.Duration
		if elapsed < stageEnd {
			return i
		}
	}
	return len(stages)
}

// MaxTarget returns the highest VU count a ramp can reach.
func MaxTarget(startVUs int, stages []Stage) int {
	highest := startVUs
	for _, stage := range stages {
		if stage.Target > highest {
			highest = stage.Target
		}
	}
	return highest
}
