// Package logging builds the zap loggers used by the CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options configure a logger.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is console or json. Empty means console.
	Format string
	// Output defaults to stderr so that reports on stdout stay clean.
	Output io.Writer
}

// ParseLevel converts a level name.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return l, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", FormatConsole:
		if isTerminal(out) {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	case FormatJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format %q (want %s or %s)", opts.Format, FormatConsole, FormatJSON)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(out), zap.NewAtomicLevelAt(level))
	return zap.New(core), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
