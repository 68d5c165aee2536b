package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// newLogger builds the process-wide logrus logger, the concrete
// *logrus.Logger the rest of the module takes as a logrus.FieldLogger
// collaborator.
func newLogger(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("identityd: invalid logger.level %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("identityd: logger.format must be \"text\" or \"json\", got %q", format)
	}
	return logger, nil
}
