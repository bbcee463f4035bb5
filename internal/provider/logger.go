package provider

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	logger *logrus.Logger
	once   sync.Once
)

// Logger returns the shared logger instance.
func Logger() *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.JSONFormatter{})
		if os.Getenv("ESTATELY_DEBUG") != "" {
			logger.SetLevel(logrus.DebugLevel)
		}
	})
	return logger
}

// LogRequest logs an API request being made.
func LogRequest(service, method, url string, fields map[string]interface{}) {
	entry := Logger().WithFields(logrus.Fields{
		"service": service,
		"method":  method,
		"url":     url,
	})
	if len(fields) > 0 {
		entry = entry.WithFields(logrus.Fields(fields))
	}
	entry.Debug("request")
}

// LogResponse logs an API response received.
func LogResponse(service string, statusCode int, duration time.Duration) {
	Logger().WithFields(logrus.Fields{
		"service":     service,
		"status":      statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Debug("response")
}

// LogError logs an error from an API operation.
func LogError(service, operation string, err error) {
	Logger().WithFields(logrus.Fields{
		"service":   service,
		"operation": operation,
	}).WithError(err).Warn("operation failed")
}
