// Package photo implements one-shot processing of a single photo file.
package photo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jkarvonen/plantcount-go/internal/aggregation"
	"github.com/jkarvonen/plantcount-go/internal/blobstore"
	"github.com/jkarvonen/plantcount-go/internal/calibration"
	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/datastore"
	"github.com/jkarvonen/plantcount-go/internal/estimation"
	"github.com/jkarvonen/plantcount-go/internal/inference"
	"github.com/jkarvonen/plantcount-go/internal/localization"
	"github.com/jkarvonen/plantcount-go/internal/pipeline"
)

var (
	latitude  float64
	longitude float64
	wait      time.Duration
)

// Command creates the photo command for processing a single file.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "photo [input.jpg]",
		Short: "Process a single photo",
		Long:  "Run one photo through the full pipeline and print the resulting session as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhoto(settings, args[0])
		},
	}

	cmd.Flags().Float64Var(&latitude, "lat", 0, "Capture latitude in decimal degrees")
	cmd.Flags().Float64Var(&longitude, "lon", 0, "Capture longitude in decimal degrees")
	cmd.Flags().DurationVar(&wait, "timeout", 5*time.Minute, "Maximum time to wait for processing")
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		fmt.Printf("error binding flags: %v\n", err)
	}

	return cmd
}

func runPhoto(settings *conf.Settings, inputPath string) error {
	store := datastore.New(settings)
	if err := store.Open(); err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer func() { _ = store.Close() }()

	blobs, err := blobstore.NewFileStore(settings.Blob.Path)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	// Stage the input file into the blob store so the pipeline sees the
	// same surface as uploaded photos.
	src, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("opening input photo: %w", err)
	}
	defer func() { _ = src.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	key := "photos/" + filepath.Base(inputPath)
	if err := blobs.Put(ctx, key, src); err != nil {
		return fmt.Errorf("staging photo: %w", err)
	}

	var resolver *localization.Resolver
	if settings.Localization.Enabled {
		resolver, err = localization.LoadHierarchy(settings.Localization.HierarchyPath)
		if err != nil {
			return fmt.Errorf("loading location hierarchy: %w", err)
		}
	}

	cal, err := calibration.NewProvider(settings.Estimation.CalibrationPath)
	if err != nil {
		return fmt.Errorf("loading calibration data: %w", err)
	}

	coord := pipeline.New(ctx, settings, pipeline.Options{
		Runtime:    inference.NewRuntime(settings),
		Resolver:   resolver,
		Blobs:      blobs,
		Store:      store,
		Aggregator: aggregation.New(settings, store),
		Estimator:  estimation.NewStage(settings, cal),
	})
	defer func() { _ = coord.Shutdown(10 * time.Second) }()

	sess, err := coord.Submit(ctx, key, latitude, longitude)
	if err != nil {
		return fmt.Errorf("submitting photo: %w", err)
	}

	select {
	case <-sess.Done():
	case <-ctx.Done():
		return fmt.Errorf("processing did not finish within %v", wait)
	}

	snap := sess.Snapshot()
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(out))

	if snap.Status == pipeline.StatusFailed {
		return fmt.Errorf("session failed: %s", snap.Summary)
	}
	return nil
}
