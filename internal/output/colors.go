package output

import (
	"github.com/fatih/color"
)

// ColorScheme defines the colors used for the elements of the run display
type ColorScheme struct {
	Title     *color.Color
	Border    *color.Color
	Label     *color.Color
	Value     *color.Color
	Progress  *color.Color
	Stage     *color.Color
	Latency   *color.Color
	Dim       *color.Color
	Success   *color.Color
	Warning   *color.Color
	Error     *color.Color
	Highlight *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Title:     color.New(color.Bold),
		Border:    color.New(color.FgCyan),
		Label:     color.New(color.Bold),
		Value:     color.New(color.FgCyan),
		Progress:  color.New(color.FgGreen),
		Stage:     color.New(color.FgMagenta),
		Latency:   color.New(color.FgBlue),
		Dim:       color.New(color.Faint),
		Success:   color.New(color.FgGreen),
		Warning:   color.New(color.FgYellow),
		Error:     color.New(color.FgRed),
		Highlight: color.New(color.FgMagenta, color.Bold),
	}
}

// NoColorScheme returns a color scheme with all colors disabled
func NoColorScheme() *ColorScheme {
	scheme := DefaultColorScheme()
	for _, c := range scheme.all() {
		c.DisableColor()
	}
	return scheme
}

// ForcedColorScheme returns the default scheme with colors enabled even
// when the writer is not a terminal.
func ForcedColorScheme() *ColorScheme {
	scheme := DefaultColorScheme()
	for _, c := range scheme.all() {
		c.EnableColor()
	}
	return scheme
}

func (s *ColorScheme) all() []*color.Color {
	return []*color.Color{
		s.Title, s.Border, s.Label, s.Value, s.Progress, s.Stage,
		s.Latency, s.Dim, s.Success, s.Warning, s.Error, s.Highlight,
	}
}

// rateColor picks the color for a failure ratio.
func (s *ColorScheme) rateColor(errorRate float64) *color.Color {
	switch {
	case errorRate > 0.05:
		return s.Error
	case errorRate > 0.01:
		return s.Warning
	default:
		return s.Success
	}
}

// SuccessIcon returns a checkmark symbol with appropriate color
func SuccessIcon(noColor bool) string {
	if noColor {
		return "✓"
	}
	return color.New(color.FgGreen).Sprint("✓")
}

// ErrorIcon returns an X symbol with appropriate color
func ErrorIcon(noColor bool) string {
	if noColor {
		return "✗"
	}
	return color.New(color.FgRed).Sprint("✗")
}

// WarningIcon returns a warning symbol with appropriate color
func WarningIcon(noColor bool) string {
	if noColor {
		return "⚠"
	}
	return color.New(color.FgYellow).Sprint("⚠")
}
