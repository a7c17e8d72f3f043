// Package output renders run progress and the end-of-run summary to a
// terminal.
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/wesleyorama2/swarm/internal/loadtest/executor"
	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
)

// ANSI escape codes for cursor control
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"
)

// Box drawing and progress bar characters
const (
	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	progressFilled = "█"
	progressEmpty  = "░"

	ruleWidth = 56
	boxWidth  = 55
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	// Progress tracking
	Progress  float64       // 0.0 to 1.0
	Elapsed   time.Duration // Time elapsed since scenarios started
	Remaining time.Duration // Estimated time remaining

	// VU stats
	ActiveVUs int
	MaxVUs    int

	// Iterations and requests
	Iterations    int64
	CurrentRPS    float64
	TotalRequests int64
	Errors        int64
	ErrorRate     float64 // 0.0 to 1.0
	ChecksRate    float64 // 0.0 to 1.0, 1 when no check ran

	// Latency stats
	LatencyP95 time.Duration
	LatencyAvg time.Duration

	// Scenarios lists "name: stage" for every started scenario
	Scenarios []string
}

// Source is what the live display samples. *engine.Engine implements it.
type Source interface {
	Store() *metrics.Store
	GetProgress() float64
	GetScenarioStats() map[string]*executor.Stats
	ExpectedDuration() time.Duration
	MaxVUs() int
}

// ConsoleOutput manages live console output during test execution.
type ConsoleOutput struct {
	testName      string
	script        string
	totalDuration time.Duration
	writer        io.Writer
	isTTY         bool
	noColor       bool
	colors        *ColorScheme
	quiet         bool

	mu          sync.Mutex
	linesOutput int // Number of lines in the live display
}

// ConsoleOutputConfig contains configuration for ConsoleOutput.
type ConsoleOutputConfig struct {
	TestName      string
	Script        string
	TotalDuration time.Duration
	Writer        io.Writer
	Quiet         bool
	NoColor       bool
	ForceColors   bool
	ForceTTY      bool
}

// NewConsoleOutput creates a new console output handler.
func NewConsoleOutput(config ConsoleOutputConfig) *ConsoleOutput {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)
	noColor := config.NoColor || (!config.ForceColors && !isTTY)

	colors := DefaultColorScheme()
	switch {
	case noColor:
		colors = NoColorScheme()
	case config.ForceColors:
		colors = ForcedColorScheme()
	}

	return &ConsoleOutput{
		testName:      config.TestName,
		script:        config.Script,
		totalDuration: config.TotalDuration,
		writer:        config.Writer,
		isTTY:         isTTY,
		noColor:       noColor,
		colors:        colors,
		quiet:         config.Quiet,
	}
}

// isTerminal checks if the writer is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Collect samples src into LiveStats.
func Collect(src Source) *LiveStats {
	store := src.Store()
	stats := &LiveStats{
		Progress:   src.GetProgress(),
		Elapsed:    store.Elapsed(),
		MaxVUs:     src.MaxVUs(),
		ChecksRate: 1,
	}

	if total := src.ExpectedDuration(); total > stats.Elapsed {
		stats.Remaining = total - stats.Elapsed
	}

	if agg, ok := store.Snapshot(metrics.Iterations); ok {
		stats.Iterations = int64(agg.Sum)
	}
	if agg, ok := store.Snapshot(metrics.HTTPReqs); ok {
		stats.TotalRequests = int64(agg.Sum)
		stats.CurrentRPS = agg.Rate()
	}
	if agg, ok := store.Snapshot(metrics.HTTPReqFailed); ok {
		stats.Errors = agg.Passes
		stats.ErrorRate = agg.Rate()
	}
	if agg, ok := store.Snapshot(metrics.Checks); ok && !agg.Empty() {
		stats.ChecksRate = agg.Rate()
	}
	if agg, ok := store.Snapshot(metrics.HTTPReqDuration); ok {
		stats.LatencyP95 = millis(agg.Percentile(95))
		stats.LatencyAvg = millis(agg.Avg())
	}

	scenarioStats := src.GetScenarioStats()
	names := make([]string, 0, len(scenarioStats))
	for name := range scenarioStats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := scenarioStats[name]
		stats.ActiveVUs += s.ActiveVUs
		stats.Scenarios = append(stats.Scenarios, name+": "+stageLabel(s))
	}
	return stats
}

func stageLabel(s *executor.Stats) string {
	label := s.CurrentStageName
	if label == "" {
		label = "running"
	}
	if s.TotalStages > 0 {
		label = fmt.Sprintf("%s (%d/%d)", label, s.CurrentStage, s.TotalStages)
	}
	if s.Aborted {
		label += " [aborted]"
	}
	return label
}

// PrintHeader prints the test header.
func (c *ConsoleOutput) PrintHeader() {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, ruleWidth)
	title := c.testName
	if title == "" {
		title = c.script
	}
	info := ""
	if c.script != "" && c.script != title {
		info = fmt.Sprintf(" [%s]", c.script)
	}

	c.writeln(c.colors.Border.Sprint(line))
	c.writeln(c.colors.Title.Sprintf("%s - Running%s", title, info))
	c.writeln(c.colors.Border.Sprint(line))
	c.writeln("")
}

// Update redraws the live display in place. It is a no-op unless the
// output is a terminal.
func (c *ConsoleOutput) Update(stats *LiveStats) {
	if c.quiet || !c.isTTY {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLive()

	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

// clearLive erases the previous live display. Callers hold mu.
func (c *ConsoleOutput) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

// renderLiveStats renders the live statistics display.
func (c *ConsoleOutput) renderLiveStats(stats *LiveStats) []string {
	var lines []string

	bar := renderProgressBar(stats.Progress, 40)
	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))
	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		c.colors.Progress.Sprint(bar),
		c.colors.Title.Sprintf("%.0f%%", stats.Progress*100),
		c.colors.Dim.Sprint(timeInfo)))

	for _, s := range stats.Scenarios {
		lines = append(lines, fmt.Sprintf("Scenario: %s", c.colors.Stage.Sprint(s)))
	}
	lines = append(lines, "")

	lines = append(lines, c.colors.Dim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))

	vus := fmt.Sprintf("VUs:     %s / %d", c.colors.Value.Sprint(stats.ActiveVUs), stats.MaxVUs)
	reqs := fmt.Sprintf("Requests:    %s", c.colors.Value.Sprint(formatNumber(stats.TotalRequests)))
	lines = append(lines, c.formatBoxRow(vus, reqs))

	errColor := c.colors.rateColor(stats.ErrorRate)
	rps := fmt.Sprintf("RPS:     %s", c.colors.Success.Sprintf("%.1f", stats.CurrentRPS))
	errs := fmt.Sprintf("Errors:      %s (%s)",
		errColor.Sprint(stats.Errors),
		errColor.Sprintf("%.1f%%", stats.ErrorRate*100))
	lines = append(lines, c.formatBoxRow(rps, errs))

	iters := fmt.Sprintf("Iters:   %s", c.colors.Value.Sprint(formatNumber(stats.Iterations)))
	checks := fmt.Sprintf("Checks:      %s", c.colors.rateColor(1-stats.ChecksRate).Sprintf("%.1f%%", stats.ChecksRate*100))
	lines = append(lines, c.formatBoxRow(iters, checks))

	p95 := fmt.Sprintf("P95:     %s", c.colors.Latency.Sprint(formatDurationShort(stats.LatencyP95)))
	avg := fmt.Sprintf("Avg:         %s", c.colors.Latency.Sprint(formatDurationShort(stats.LatencyAvg)))
	lines = append(lines, c.formatBoxRow(p95, avg))

	lines = append(lines, c.colors.Dim.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))
	return lines
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *ConsoleOutput) formatBoxRow(left, right string) string {
	colWidth := (boxWidth - 4) / 2 // 2 borders + 2 padding
	pad := func(s string) string {
		n := colWidth - visibleLen(s)
		if n < 0 {
			n = 0
		}
		return s + strings.Repeat(" ", n)
	}
	border := c.colors.Dim.Sprint(boxVertical)
	return fmt.Sprintf("%s %s%s %s %s", border, pad(left), border, pad(right), border)
}

// renderProgressBar renders a progress bar.
func renderProgressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// PrintNonInteractiveUpdate prints a one-line status update.
// Used when output is not a TTY (e.g., piped to a file or CI/CD).
func (c *ConsoleOutput) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] Progress: %.0f%% | VUs: %d/%d | Iters: %d | Reqs: %d | RPS: %.1f | Errors: %d (%.1f%%) | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Progress*100,
		stats.ActiveVUs,
		stats.MaxVUs,
		stats.Iterations,
		stats.TotalRequests,
		stats.CurrentRPS,
		stats.Errors,
		stats.ErrorRate*100,
		formatDurationShort(stats.LatencyP95)))
}

// Refresh samples src and prints it the way the writer supports.
func (c *ConsoleOutput) Refresh(src Source) {
	stats := Collect(src)
	if c.isTTY {
		c.Update(stats)
		return
	}
	c.PrintNonInteractiveUpdate(stats)
}

// IsTTY returns whether the output is a terminal.
func (c *ConsoleOutput) IsTTY() bool {
	return c.isTTY
}

func (c *ConsoleOutput) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *ConsoleOutput) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a duration in a short format.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// millis converts a millisecond sample to a duration.
func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// visibleLen returns the display width of s, ignoring ANSI sequences.
func visibleLen(s string) int {
	return len([]rune(stripANSI(s)))
}

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}
