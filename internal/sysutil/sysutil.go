// Package sysutil holds process-level helpers used by cmd/: global logger
// setup and small string utilities.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseLevel maps a LOG_LEVEL value to a zerolog level. Matching ignores
// case and surrounding space; "warning" is accepted for warn. Anything
// unrecognised, including "", selects info.
func ParseLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// SetLogLevel sets the zerolog global level from a LOG_LEVEL value.
func SetLogLevel(s string) { zerolog.SetGlobalLevel(ParseLevel(s)) }

// ConfigureLogger installs the global logger: JSON on stdout, or a
// human-readable console writer when pretty is set.
func ConfigureLogger(level string, pretty bool) {
	configureLogger(os.Stdout, level, pretty)
}

func configureLogger(w io.Writer, level string, pretty bool) {
	SetLogLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// FirstNonEmpty returns the first value that is not blank, unmodified.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
