package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the level and output format of the root logger.
type Config struct {
	// Level is a zerolog level name. Empty or unknown values fall back to info.
	Level string `yaml:"log_level"`
	// Format is "json" (the default) or "console".
	Format string `yaml:"log_format"`
}

// New builds the root logger writing to w, or to stderr when w is nil.
func New(cfg Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level := zerolog.InfoLevel
	var parseErr error
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			parseErr = err
		} else {
			level = parsed
		}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	if parseErr != nil {
		logger.Warn().Err(parseErr).Str("log_level", cfg.Level).Msg("Invalid log level, using info.")
	}
	return logger
}
