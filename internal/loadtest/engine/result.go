package engine

import (
	"fmt"
	"time"

	"github.com/wesleyorama2/swarm/internal/loadtest/executor"
	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
	"github.com/wesleyorama2/swarm/internal/loadtest/threshold"
)

// State is the lifecycle state of an engine.
type State int32

const (
	StateIdle State = iota
	StateSetup
	StateRunning
	StateAborting
	StateTeardown
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSetup:
		return "setup"
	case StateRunning:
		return "running"
	case StateAborting:
		return "aborting"
	case StateTeardown:
		return "teardown"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Setup stages reported by SetupError.
const (
	StageInit     = "init"
	StageDatasets = "datasets"
	StageSetup    = "setup"
)

// SetupError is a fatal error before any scenario started.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// ScenarioResult contains the results of a single scenario.
type ScenarioResult struct {
	Name       string          `json:"name"`
	Executor   string          `json:"executor"`
	Exec       string          `json:"exec"`
	StartTime  time.Duration   `json:"startTime"`
	Started    bool            `json:"started"`
	Duration   time.Duration   `json:"duration"`
	Iterations int64           `json:"iterations"`
	Stats      *executor.Stats `json:"stats,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// RunResult is the terminal artifact of a run.
type RunResult struct {
	RunID     string        `json:"runId"`
	Name      string        `json:"name,omitempty"`
	Script    string        `json:"script"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`

	Scenarios  []*ScenarioResult     `json:"scenarios"`
	Thresholds []threshold.Result    `json:"thresholds,omitempty"`
	Checks     []metrics.CheckResult `json:"checks,omitempty"`
	Metrics    []metrics.Summary     `json:"metrics"`

	Aborted     bool              `json:"aborted"`
	AbortedAt   time.Duration     `json:"abortedAt,omitempty"`
	AbortReason *threshold.Result `json:"abortReason,omitempty"`
	Interrupted bool              `json:"interrupted"`

	// VUsSpawned counts every VU created during the run. VUsAtAbort is
	// the count once spawning stopped on abort.
	VUsSpawned int64 `json:"vusSpawned"`
	VUsAtAbort int64 `json:"vusAtAbort,omitempty"`

	SetupErr    error  `json:"-"`
	TeardownErr error  `json:"-"`
	SetupError  string `json:"setupError,omitempty"`
	Teardown    string `json:"teardownError,omitempty"`

	Passed bool `json:"passed"`
}

// FailedThresholds returns the thresholds that did not pass.
func (r *RunResult) FailedThresholds() []threshold.Result {
	var failed []threshold.Result
	for _, t := range r.Thresholds {
		if !t.Passed {
			failed = append(failed, t)
		}
	}
	return failed
}

// Scenario returns the result of the named scenario.
func (r *RunResult) Scenario(name string) *ScenarioResult {
	for _, s := range r.Scenarios {
		if s.Name == name {
			return s
		}
	}
	return nil
}
