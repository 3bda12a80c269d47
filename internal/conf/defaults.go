// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("main.name", "plantcount")
	viper.SetDefault("main.debug", false)
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "plantcount.log")

	viper.SetDefault("inference.device", "auto")
	viper.SetDefault("inference.cleanupevery", 25)
	viper.SetDefault("inference.segmentation.path", "models/container-seg.tflite")
	viper.SetDefault("inference.segmentation.threads", 0)
	viper.SetDefault("inference.segmentation.usexnnpack", true)
	viper.SetDefault("inference.detection.path", "models/plant-detect.tflite")
	viper.SetDefault("inference.detection.threads", 0)
	viper.SetDefault("inference.detection.usexnnpack", true)

	viper.SetDefault("segmentation.confidence", 0.5)
	viper.SetDefault("segmentation.minareafrac", 0.001)
	viper.SetDefault("segmentation.morphpasses", 2)
	viper.SetDefault("segmentation.maxholeareapx", 400)

	viper.SetDefault("detection.confidence", 0.35)
	viper.SetDefault("detection.tilesize", 1000)
	viper.SetDefault("detection.tileoverlap", 0.2)
	viper.SetDefault("detection.nmsthreshold", 0.45)

	viper.SetDefault("estimation.enabled", true)
	viper.SetDefault("estimation.pixelspercm", 8.0)
	viper.SetDefault("estimation.minresidualfrac", 0.02)
	viper.SetDefault("estimation.vegetationthresh", 0.38)
	viper.SetDefault("estimation.calibrationpath", "calibration.yaml")

	viper.SetDefault("localization.enabled", true)
	viper.SetDefault("localization.hierarchypath", "areas.geojson")

	viper.SetDefault("pipeline.stagetimeout", 2*time.Minute)
	viper.SetDefault("pipeline.subjobretry.maxretries", 2)
	viper.SetDefault("pipeline.subjobretry.initialdelay", 500*time.Millisecond)
	viper.SetDefault("pipeline.subjobretry.maxdelay", 10*time.Second)
	viper.SetDefault("pipeline.subjobretry.multiplier", 2.0)
	viper.SetDefault("pipeline.persistretry.maxretries", 3)
	viper.SetDefault("pipeline.persistretry.initialdelay", 250*time.Millisecond)
	viper.SetDefault("pipeline.persistretry.maxdelay", 5*time.Second)
	viper.SetDefault("pipeline.persistretry.multiplier", 2.0)
	viper.SetDefault("pipeline.cpuworkers", 0)
	viper.SetDefault("pipeline.ioworkers", 16)
	viper.SetDefault("pipeline.acceleratorrecycle", 50)

	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "plantcount.db")
	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")
	viper.SetDefault("output.mysql.database", "plantcount")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic", "plantcount/sessions")

	viper.SetDefault("web.enabled", true)
	viper.SetDefault("web.port", "8090")

	viper.SetDefault("blob.path", "photos/")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")
}
