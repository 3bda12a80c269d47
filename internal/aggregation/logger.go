package aggregation

import (
	"log/slog"

	"github.com/jkarvonen/plantcount-go/internal/logging"
)

const serviceName = "aggregation"

var logger *slog.Logger

func init() {
	logger = logging.ForService(serviceName)
	if logger == nil {
		logger = slog.Default().With("service", serviceName)
	}
}
