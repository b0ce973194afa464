// Package logging builds the single *logrus.Logger threaded through every
// other package, mirroring the teacher's cli.go/main.go logrus setup
// (JSON formatter by default, text available, level from flag or env).
package logging

import (
	"github.com/sirupsen/logrus"
)

// Options configures New.
type Options struct {
	Level  string // trace, debug, info, warn, error — defaults to info
	Format string // json (default) or text
}

// New builds a *logrus.Logger per opts, falling back to info/json on an
// unparseable level the same way the teacher's setupLogging does.
func New(opts Options) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch opts.Format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger
}
