package conf

import (
	"errors"
	"fmt"
)

// ValidateSettings checks the loaded settings for values the pipeline
// cannot run with. Tunables out of range are errors here rather than
// silent clamps so a bad deploy fails at startup.
func ValidateSettings(settings *Settings) error {
	var errs []error

	if settings.Detection.TileSize <= 0 {
		errs = append(errs, fmt.Errorf("detection.tilesize must be positive, got %d", settings.Detection.TileSize))
	}
	if settings.Detection.TileOverlap < 0 || settings.Detection.TileOverlap > 0.5 {
		errs = append(errs, fmt.Errorf("detection.tileoverlap must be in [0, 0.5], got %g", settings.Detection.TileOverlap))
	}
	if settings.Detection.NMSThreshold <= 0 || settings.Detection.NMSThreshold >= 1 {
		errs = append(errs, fmt.Errorf("detection.nmsthreshold must be in (0, 1), got %g", settings.Detection.NMSThreshold))
	}
	if settings.Detection.Confidence < 0 || settings.Detection.Confidence > 1 {
		errs = append(errs, fmt.Errorf("detection.confidence must be in [0, 1], got %g", settings.Detection.Confidence))
	}

	if settings.Segmentation.Confidence < 0 || settings.Segmentation.Confidence > 1 {
		errs = append(errs, fmt.Errorf("segmentation.confidence must be in [0, 1], got %g", settings.Segmentation.Confidence))
	}
	if settings.Segmentation.MorphPasses < 0 {
		errs = append(errs, fmt.Errorf("segmentation.morphpasses must not be negative, got %d", settings.Segmentation.MorphPasses))
	}

	if settings.Estimation.Enabled && settings.Estimation.PixelsPerCm <= 0 {
		errs = append(errs, fmt.Errorf("estimation.pixelspercm must be positive, got %g", settings.Estimation.PixelsPerCm))
	}

	if settings.Pipeline.SubJobRetry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.subjobretry.maxretries must not be negative, got %d", settings.Pipeline.SubJobRetry.MaxRetries))
	}
	if settings.Pipeline.SubJobRetry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("pipeline.subjobretry.multiplier must be >= 1, got %g", settings.Pipeline.SubJobRetry.Multiplier))
	}
	if settings.Pipeline.StageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.stagetimeout must be positive, got %v", settings.Pipeline.StageTimeout))
	}

	if settings.Output.SQLite.Enabled && settings.Output.MySQL.Enabled {
		errs = append(errs, fmt.Errorf("only one of output.sqlite and output.mysql may be enabled"))
	}

	return errors.Join(errs...)
}
