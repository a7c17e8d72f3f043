package output

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wesleyorama2/swarm/internal/loadtest/engine"
	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
	"github.com/wesleyorama2/swarm/internal/loadtest/threshold"
)

// metricNameWidth is the dotted column width of the metrics table.
const metricNameWidth = 32

// PrintSummary prints the end-of-run summary: lifecycle outcome,
// scenarios, checks, thresholds and every metric that received samples.
func (c *ConsoleOutput) PrintSummary(result *engine.RunResult) {
	if result == nil {
		return
	}
	if c.quiet {
		if result.Passed {
			c.writeln(c.colors.Success.Sprint("PASSED"))
		} else {
			c.writeln(c.colors.Error.Sprint("FAILED"))
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTTY {
		c.clearLive()
	}

	title := result.Name
	if title == "" {
		title = result.Script
	}
	status := c.colors.Success.Sprint("Completed ✓")
	if !result.Passed {
		status = c.colors.Error.Sprint("Failed ✗")
	}

	line := c.colors.Border.Sprint(strings.Repeat(boxHorizontal, ruleWidth))
	c.writeln("")
	c.writeln(line)
	c.writeln(fmt.Sprintf("%s - %s", c.colors.Title.Sprint(title), status))
	c.writeln(line)
	c.writeln("")

	c.writeln(fmt.Sprintf("Run ID:        %s", c.colors.Dim.Sprint(result.RunID)))
	c.writeln(fmt.Sprintf("Duration:      %s", c.colors.Value.Sprint(formatDuration(result.Duration))))
	c.printOutcome(result)
	c.writeln("")

	c.printScenarios(result)
	c.printChecks(result.Checks)
	c.printThresholds(result.Thresholds)
	c.printMetrics(result.Metrics)
}

func (c *ConsoleOutput) printOutcome(result *engine.RunResult) {
	warn := WarningIcon(c.noColor)
	if result.SetupError != "" {
		c.writeln(fmt.Sprintf("%s %s %s", ErrorIcon(c.noColor), c.colors.Error.Sprint("Setup failed:"), result.SetupError))
	}
	if result.Interrupted {
		c.writeln(fmt.Sprintf("%s %s", warn, c.colors.Warning.Sprint("Interrupted")))
	}
	if result.Aborted {
		reason := "stopped"
		if r := result.AbortReason; r != nil {
			reason = fmt.Sprintf("threshold %s %s crossed (%s)", r.Metric, r.Expression, r.Message())
		}
		c.writeln(fmt.Sprintf("%s %s at %s: %s", warn, c.colors.Warning.Sprint("Aborted"),
			formatDuration(result.AbortedAt), reason))
	}
	if result.Teardown != "" {
		c.writeln(fmt.Sprintf("%s %s %s", warn, c.colors.Warning.Sprint("Teardown failed:"), result.Teardown))
	}
}

func (c *ConsoleOutput) printScenarios(result *engine.RunResult) {
	if len(result.Scenarios) == 0 {
		return
	}
	c.writeln(c.colors.Label.Sprint("Scenarios:"))
	for _, s := range result.Scenarios {
		switch {
		case s.Error != "":
			c.writeln(fmt.Sprintf("  %s %s (%s): %s", ErrorIcon(c.noColor), s.Name, s.Executor, s.Error))
		case !s.Started:
			c.writeln(fmt.Sprintf("  %s %s (%s): not started", c.colors.Dim.Sprint("-"), s.Name, s.Executor))
		default:
			c.writeln(fmt.Sprintf("  %s %s (%s): %s iterations in %s", SuccessIcon(c.noColor), s.Name, s.Executor,
				formatNumber(s.Iterations), formatDuration(s.Duration)))
		}
	}
	c.writeln("")
}

func (c *ConsoleOutput) printChecks(checks []metrics.CheckResult) {
	if len(checks) == 0 {
		return
	}
	c.writeln(c.colors.Label.Sprint("Checks:"))
	for _, ch := range checks {
		icon := SuccessIcon(c.noColor)
		if ch.Fails > 0 {
			icon = ErrorIcon(c.noColor)
		}
		c.writeln(fmt.Sprintf("  %s %s %s", icon, ch.Name,
			c.colors.Dim.Sprintf("%.2f%% (%d/%d)", ch.Rate*100, ch.Passes, ch.Passes+ch.Fails)))
	}
	c.writeln("")
}

func (c *ConsoleOutput) printThresholds(results []threshold.Result) {
	if len(results) == 0 {
		return
	}
	c.writeln(c.colors.Label.Sprint("Thresholds:"))
	for _, r := range results {
		icon := SuccessIcon(c.noColor)
		if !r.Passed {
			icon = ErrorIcon(c.noColor)
		}
		note := ""
		if r.NoData {
			note = " no data"
		}
		c.writeln(fmt.Sprintf("  %s %s %s %s%s", icon, c.colors.Highlight.Sprint(r.Metric), r.Expression,
			c.colors.Dim.Sprintf("(%s)", r.Message()), note))
	}
	c.writeln("")
}

func (c *ConsoleOutput) printMetrics(summaries []metrics.Summary) {
	if len(summaries) == 0 {
		return
	}
	c.writeln(c.colors.Label.Sprint("Metrics:"))
	for _, s := range summaries {
		name := s.Name
		if n := metricNameWidth - len([]rune(name)); n > 0 {
			name += c.colors.Dim.Sprint(strings.Repeat(".", n))
		}
		c.writeln(fmt.Sprintf("  %s: %s", name, FormatSummary(s)))
	}
	c.writeln("")
}

// FormatSummary renders a metric summary as a single line.
func FormatSummary(s metrics.Summary) string {
	switch s.Kind {
	case metrics.KindCounter:
		count := s.Values["count"]
		rate := s.Values["rate"]
		if s.Contains == metrics.Data {
			return fmt.Sprintf("%s %s/s", formatBytes(count), formatBytes(rate))
		}
		return fmt.Sprintf("%s %s/s", formatNumber(int64(count)), strconv.FormatFloat(rate, 'f', 2, 64))

	case metrics.KindRate:
		passes := int64(s.Values["passes"])
		fails := int64(s.Values["fails"])
		return fmt.Sprintf("%.2f%% %d out of %d", s.Values["rate"]*100, passes, passes+fails)

	default:
		parts := make([]string, 0, len(s.Keys))
		for _, k := range s.Keys {
			parts = append(parts, k+"="+formatValue(s.Values[k], s.Contains))
		}
		return strings.Join(parts, " ")
	}
}

// formatValue renders a sample according to what the metric contains.
func formatValue(v float64, vt metrics.ValueType) string {
	switch vt {
	case metrics.Time:
		return formatMillis(v)
	case metrics.Data:
		return formatBytes(v)
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

// formatMillis renders a millisecond value with two decimals.
func formatMillis(ms float64) string {
	switch {
	case ms >= 60_000:
		return fmt.Sprintf("%.2fm", ms/60_000)
	case ms >= 1000:
		return fmt.Sprintf("%.2fs", ms/1000)
	case ms > 0 && ms < 1:
		return fmt.Sprintf("%.2fµs", ms*1000)
	default:
		return fmt.Sprintf("%.2fms", ms)
	}
}

// formatBytes formats bytes in human-readable format.
func formatBytes(b float64) string {
	const unit = 1024.0
	if b < unit {
		return fmt.Sprintf("%.0f B", b)
	}
	div, exp := unit, 0
	for n := b / unit; n >= unit && exp < 4; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", b/div, "KMGTP"[exp])
}
