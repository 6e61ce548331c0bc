package app

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger from the log options.
func NewLogger(options LogOptions) *logrus.Logger {
	logger := logrus.New()
	logger.Out = os.Stderr

	level, err := logrus.ParseLevel(options.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.Level = level

	if options.Format == "json" {
		logger.Formatter = &logrus.JSONFormatter{}
	} else {
		logger.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	}
	return logger
}
