// Package logger builds the process-wide logrus logger from config values.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing to stdout at the given level. Unknown
// levels fall back to info. With json set, entries are emitted as JSON
// objects instead of text lines.
func New(level string, json bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if json {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
		log.Warnf("unknown log level %q, using info", level)
	}
	log.SetLevel(lvl)

	return log
}
