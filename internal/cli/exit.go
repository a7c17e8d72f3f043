package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wesleyorama2/swarm/internal/loadtest/config"
	"github.com/wesleyorama2/swarm/internal/loadtest/engine"
	"github.com/wesleyorama2/swarm/internal/loadtest/threshold"
)

// Process exit codes.
const (
	ExitOK               = 0
	ExitGeneric          = 1
	ExitThresholdsFailed = 99
	ExitInvalidConfig    = 104
	ExitInterrupted      = 105
	ExitSetupFailed      = 107
)

// ExitError carries the exit code a command wants. A nil Err means the
// failure has already been reported.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var validation *config.ValidationErrors
	if errors.As(err, &validation) {
		return ExitInvalidConfig
	}
	var setup *engine.SetupError
	if errors.As(err, &setup) {
		return ExitSetupFailed
	}
	return ExitGeneric
}

// resultError turns the outcome of a run into the command's error.
//
// Precedence: interrupt, then setup failure, then failed thresholds.
func resultError(result *engine.RunResult, runErr error) error {
	if result == nil {
		if runErr == nil {
			return nil
		}
		return &ExitError{Code: ExitCode(runErr), Err: runErr}
	}

	switch {
	case result.Interrupted:
		return &ExitError{Code: ExitInterrupted, Err: errors.New("test run was interrupted")}
	case result.SetupErr != nil:
		return &ExitError{Code: ExitSetupFailed, Err: result.SetupErr}
	case !result.Passed:
		failed := result.FailedThresholds()
		if r := result.AbortReason; r != nil {
			failed = append([]threshold.Result{*r}, failed...)
		}
		names := make([]string, 0, len(failed))
		seen := make(map[string]bool, len(failed))
		for _, r := range failed {
			if !seen[r.Metric] {
				seen[r.Metric] = true
				names = append(names, "'"+r.Metric+"'")
			}
		}
		return &ExitError{
			Code: ExitThresholdsFailed,
			Err:  fmt.Errorf("thresholds on metrics %s have been crossed", strings.Join(names, ", ")),
		}
	}
	return nil
}

// configError wraps a failure to build a run from its configuration.
func configError(err error) error {
	return &ExitError{Code: ExitInvalidConfig, Err: err}
}
