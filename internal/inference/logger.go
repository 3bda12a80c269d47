package inference

import (
	"log/slog"

	"github.com/jkarvonen/plantcount-go/internal/logging"
)

const serviceName = "inference"

var logger *slog.Logger

func init() {
	logger = logging.ForService(serviceName)
	if logger == nil {
		logger = slog.Default().With("service", serviceName)
	}
}

func getLogger() *slog.Logger {
	if logger == nil {
		logger = logging.ForService(serviceName)
		if logger == nil {
			logger = slog.Default().With("service", serviceName)
		}
	}
	return logger
}

// GetLogger returns the inference package logger.
func GetLogger() *slog.Logger {
	return getLogger()
}
