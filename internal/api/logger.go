package api

import (
	"log/slog"

	"github.com/jkarvonen/plantcount-go/internal/logging"
)

const serviceName = "api"

var logger *slog.Logger

func init() {
	logger = logging.ForService(serviceName)
	if logger == nil {
		logger = slog.Default().With("service", serviceName)
	}
}

// GetLogger returns the package logger for handler use.
func GetLogger() *slog.Logger {
	return logger
}
