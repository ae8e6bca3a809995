// Package logging builds the zerolog loggers used by every reflex component.
// It supports console or JSON output, optional file logging and per-component
// child loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ═══════════════════════════════════════════════════════════════════════════════

// Config configures the root logger.
type Config struct {
	Level      string `mapstructure:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"`           // console or json
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`     // optional, appended to
	Colored    bool   `mapstructure:"colored" yaml:"colored"`         // console only
	ShowCaller bool   `mapstructure:"show_caller" yaml:"show_caller"` // file:line of caller
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Format:  "console",
		Colored: true,
	}
}

// VerboseConfig returns a configuration for troubleshooting.
func VerboseConfig() Config {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	cfg.ShowCaller = true
	return cfg
}

// ParseLevel converts a level name to a zerolog level. An empty name is info.
func ParseLevel(s string) (zerolog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level %q: %w", s, err)
	}
	return lvl, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "", "console", "json":
		return nil
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOGGER
// ═══════════════════════════════════════════════════════════════════════════════

// New builds a root logger writing to out (stderr when nil) and, if configured,
// to a log file. The returned closer releases the file and is never nil.
func New(cfg Config, out io.Writer) (zerolog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer = out
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    !cfg.Colored,
			TimeFormat: time.TimeOnly,
		}
	}

	var closer io.Closer = nopCloser{}
	if cfg.FilePath != "" {
		f, err := openLogFile(cfg.FilePath)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, err
		}
		// Files always get JSON so they stay machine readable.
		w = zerolog.MultiLevelWriter(w, f)
		closer = f
	}

	ctx := zerolog.New(w).Level(lvl).With().Timestamp()
	if cfg.ShowCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger(), closer, nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
