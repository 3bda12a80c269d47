// Package serve implements the long-running service: API surface plus
// the processing coordinator.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jkarvonen/plantcount-go/internal/aggregation"
	"github.com/jkarvonen/plantcount-go/internal/api"
	"github.com/jkarvonen/plantcount-go/internal/blobstore"
	"github.com/jkarvonen/plantcount-go/internal/buildinfo"
	"github.com/jkarvonen/plantcount-go/internal/calibration"
	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/datastore"
	"github.com/jkarvonen/plantcount-go/internal/errors"
	"github.com/jkarvonen/plantcount-go/internal/estimation"
	"github.com/jkarvonen/plantcount-go/internal/inference"
	"github.com/jkarvonen/plantcount-go/internal/localization"
	"github.com/jkarvonen/plantcount-go/internal/logging"
	"github.com/jkarvonen/plantcount-go/internal/mqtt"
	"github.com/jkarvonen/plantcount-go/internal/pipeline"
)

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the photo processing service",
		Long:  "Start the HTTP API and the processing pipeline, serving until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(settings)
		},
	}

	cmd.Flags().StringVar(&settings.Web.Port, "port", viper.GetString("web.port"), "HTTP listen port")
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		fmt.Printf("error binding flags: %v\n", err)
	}

	return cmd
}

func runServe(settings *conf.Settings) error {
	log := logging.ForService("serve")

	if settings.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     settings.Sentry.DSN,
			Release: "plantcount-go@" + buildinfo.Version,
		}); err != nil {
			return fmt.Errorf("initializing error telemetry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	}

	store := datastore.New(settings)
	if err := store.Open(); err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Failed to close datastore", "error", err)
		}
	}()

	blobs, err := blobstore.NewFileStore(settings.Blob.Path)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	var resolver *localization.Resolver
	if settings.Localization.Enabled {
		resolver, err = localization.LoadHierarchy(settings.Localization.HierarchyPath)
		if err != nil {
			return fmt.Errorf("loading location hierarchy: %w", err)
		}
		log.Info("Location hierarchy loaded",
			"path", settings.Localization.HierarchyPath,
			"nodes", resolver.Len())
	}

	cal, err := calibration.NewProvider(settings.Estimation.CalibrationPath)
	if err != nil {
		return fmt.Errorf("loading calibration data: %w", err)
	}

	var mqttClient mqtt.Client
	if settings.MQTT.Enabled {
		mqttClient = mqtt.NewClient(settings)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := pipeline.New(ctx, settings, pipeline.Options{
		Runtime:    inference.NewRuntime(settings),
		Resolver:   resolver,
		Blobs:      blobs,
		Store:      store,
		Aggregator: aggregation.New(settings, store),
		Estimator:  estimation.NewStage(settings, cal),
		MQTTClient: mqttClient,
	})

	controller := api.New(settings, store, coord, blobs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- controller.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := controller.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", "error", err)
	}
	if err := coord.Shutdown(30 * time.Second); err != nil {
		log.Error("Pipeline shutdown failed", "error", err)
	}
	if mqttClient != nil && mqttClient.IsConnected() {
		mqttClient.Disconnect()
	}
	return nil
}
