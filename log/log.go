// Package log provides the leveled, structured logger used across the
// controller, module and hot-facade packages. It is a thin wrapper
// around logrus, following the same construction/verbosity-switch shape
// as the host CLI that embeds this package (set the level once at
// startup, then derive per-component field loggers from it).
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger writing to out at the given level. An empty level
// defaults to "info". New never returns an error for an unparseable
// level; it falls back to info and records the problem in the returned
// logger itself so callers don't need a separate error path at startup.
func New(out io.Writer, level string) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}

	logger := logrus.New()
	logger.Out = out

	lvl, err := parseLevel(level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.WithError(err).Warn("falling back to info log level")
		return logger
	}
	logger.SetLevel(lvl)
	return logger
}

func parseLevel(level string) (logrus.Level, error) {
	if level == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(level)
}

// ForController returns a field logger tagged with the URL and version
// of the controller emitting log lines, so interleaved output from a
// graph of controllers stays attributable.
func ForController(base logrus.FieldLogger, url string, version int) logrus.FieldLogger {
	return base.WithFields(logrus.Fields{
		"url":     url,
		"version": version,
	})
}

// ForPhase tags a controller-scoped logger with the update-algorithm
// phase currently executing.
func ForPhase(base logrus.FieldLogger, phase string) logrus.FieldLogger {
	return base.WithField("phase", phase)
}
