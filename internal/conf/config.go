// config.go: settings struct for the plantcount application plus load/save helpers.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// MainSettings contains application-wide settings.
type MainSettings struct {
	Name  string // instance name, used in logs and MQTT topics
	Debug bool   // true to enable debug logging
	Log   struct {
		Enabled bool   // true to log to file
		Path    string // path to log file
	}
}

// ModelSettings contains settings for one inference model artifact.
type ModelSettings struct {
	Path       string // path to the tflite model file
	Threads    int    // interpreter thread count, 0 for automatic
	UseXNNPACK bool   // true to attempt the XNNPACK accelerator delegate
}

// InferenceSettings contains settings for the inference runtime.
type InferenceSettings struct {
	Segmentation ModelSettings // instance segmentation model
	Detection    ModelSettings // plant detection model
	Device       string        // preferred device, "auto", "cpu" or an accelerator id
	CleanupEvery int           // release cached interpreters every N completed sessions
}

// SegmentationSettings contains post-processing settings for the segmentation stage.
type SegmentationSettings struct {
	Confidence    float64 // minimum instance confidence
	MinAreaFrac   float64 // drop instances smaller than this fraction of the image
	MorphPasses   int     // morphological closing passes applied to masks
	MaxHoleAreaPx int     // holes up to this pixel area are filled
}

// DetectionSettings contains settings for the tiled detection stage.
type DetectionSettings struct {
	Confidence   float64 // minimum detection confidence
	TileSize     int     // square tile edge length in pixels
	TileOverlap  float64 // tile overlap ratio, 0.0-0.5
	NMSThreshold float64 // IoU threshold for cross-tile non-max suppression
}

// EstimationSettings contains settings for residual-area estimation.
type EstimationSettings struct {
	Enabled          bool
	PixelsPerCm      float64 // image scale used to convert pixel area to cm2
	MinResidualFrac  float64 // residual below this fraction of segment area counts as zero
	VegetationThresh float64 // green-chromaticity threshold for vegetation filtering
	CalibrationPath  string  // path to density calibration yaml
}

// LocalizationSettings contains the geospatial hierarchy source.
type LocalizationSettings struct {
	Enabled       bool
	HierarchyPath string // path to GeoJSON feature collection with site/zone/block/bed features
}

// RetrySettings mirrors the job queue retry configuration.
type RetrySettings struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// PipelineSettings contains coordinator tuning.
type PipelineSettings struct {
	StageTimeout       time.Duration // wall-clock budget per stage
	SubJobRetry        RetrySettings // retry policy for segment sub-jobs
	PersistRetry       RetrySettings // retry policy for aggregation persistence
	CPUWorkers         int           // CPU pool size, 0 for NumCPU
	IOWorkers          int           // I/O pool size
	AcceleratorRecycle int           // recycle accelerator worker after N tasks
}

// DatabaseSettings mirrors the teacher-style dual-dialect output config.
type DatabaseSettings struct {
	SQLite struct {
		Enabled bool
		Path    string
	}
	MySQL struct {
		Enabled  bool
		Username string
		Password string
		Database string
		Host     string
		Port     string
	}
}

// MQTTSettings contains settings for completion-event publication.
type MQTTSettings struct {
	Enabled  bool
	Broker   string
	Topic    string
	Username string
	Password string
}

// WebSettings contains the status polling surface config.
type WebSettings struct {
	Enabled bool
	Port    string
}

// BlobSettings configures the blob store collaborator.
type BlobSettings struct {
	Path string // root directory for the filesystem blob store
}

// SentrySettings configures optional error telemetry.
type SentrySettings struct {
	Enabled bool
	DSN     string
}

// Settings is the root configuration struct.
type Settings struct {
	Main         MainSettings
	Inference    InferenceSettings
	Segmentation SegmentationSettings
	Detection    DetectionSettings
	Estimation   EstimationSettings
	Localization LocalizationSettings
	Pipeline     PipelineSettings
	Output       DatabaseSettings
	MQTT         MQTTSettings
	Web          WebSettings
	Blob         BlobSettings
	Sentry       SentrySettings
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Setting returns the current settings instance, loading it on first use.
func Setting() *Settings {
	settingsMutex.RLock()
	if settingsInstance != nil {
		defer settingsMutex.RUnlock()
		return settingsInstance
	}
	settingsMutex.RUnlock()

	settings, err := Load()
	if err != nil {
		return &Settings{}
	}
	return settings
}

// Load reads the configuration file and environment variables into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetEnvPrefix("PLANTCOUNT")
	viper.AutomaticEnv()

	setDefaultConfig()

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// No config file is fine, defaults apply
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPaths returns the config search paths in priority order.
func GetDefaultConfigPaths() ([]string, error) {
	paths := []string{"."}

	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "plantcount"))
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "plantcount"))
	}

	return paths, nil
}

// SaveSettings writes the current settings to the given path as yaml.
func SaveSettings(settings *Settings, path string) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // config file is not sensitive
		return fmt.Errorf("error writing settings: %w", err)
	}
	return nil
}
