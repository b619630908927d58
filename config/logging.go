package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

func parseLevel(level string) (logrus.Level, error) {
	if level == "" {
		return logrus.InfoLevel, nil
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return parsed, nil
}

func formatter(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return &logrus.TextFormatter{FullTimestamp: true}, nil
	case "json":
		return &logrus.JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("log.format must be text or json, got %q", format)
	}
}

// SetupLogging applies l to the standard logrus logger. The returned closer
// releases the log file, if any.
func SetupLogging(l Log) (io.Closer, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	f, err := formatter(l.Format)
	if err != nil {
		return nil, err
	}

	logrus.SetLevel(level)
	logrus.SetFormatter(f)

	if l.File == "" {
		logrus.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}

	out, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logrus.SetOutput(out)
	return out, nil
}
