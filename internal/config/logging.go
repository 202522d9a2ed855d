package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Log formats.
const (
	LogText = "text"
	LogJSON = "json"
)

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Format string `yaml:"format"` // text (default) or json
	Level  string `yaml:"level"`  // debug, info (default), warn or error
	File   string `yaml:"file"`   // append to this file instead of stderr
}

func (l *LoggingConfig) applyDefaults() {
	if l.Format == "" {
		l.Format = LogText
	}
	if l.Level == "" {
		l.Level = "info"
	}
}

// Validate checks the format and level names.
func (l LoggingConfig) Validate() error {
	if l.Format != LogText && l.Format != LogJSON {
		return fmt.Errorf("logging: unknown format %q", l.Format)
	}
	if _, err := l.level(); err != nil {
		return err
	}
	return nil
}

func (l LoggingConfig) level() (slog.Level, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("logging: unknown level %q", l.Level)
	}
	return lv, nil
}

// NewLogger builds the logger. Output goes to w unless File is set. The
// returned close function releases the file and is never nil.
func (l LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, func() error, error) {
	lv, err := l.level()
	if err != nil {
		return nil, nil, err
	}
	closer := func() error { return nil }
	if l.File != "" {
		//nolint:gosec // G304: log path comes from the run configuration
		f, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: %w", err)
		}
		w, closer = f, f.Close
	}

	opts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	if l.Format == LogJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}
