package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jkarvonen/plantcount-go/cmd/areas"
	"github.com/jkarvonen/plantcount-go/cmd/photo"
	"github.com/jkarvonen/plantcount-go/cmd/serve"
	"github.com/jkarvonen/plantcount-go/internal/conf"
)

// RootCommand creates and returns the root command with all subcommands
// attached.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plantcount",
		Short: "Plantcount photo inventory CLI",
		Long:  "Count plants from nursery photos: segmentation, tiled detection and density estimation into geocoded inventory records.",
	}

	setupFlags(rootCmd, settings)

	rootCmd.AddCommand(
		serve.Command(settings),
		photo.Command(settings),
		areas.Command(settings),
	)

	return rootCmd
}

// setupFlags configures global flags shared by all subcommands.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) {
	cmd.PersistentFlags().BoolVarP(&settings.Main.Debug, "debug", "d", viper.GetBool("main.debug"), "Enable debug output")
	cmd.PersistentFlags().StringVar(&settings.Inference.Segmentation.Path, "segmentation-model", viper.GetString("inference.segmentation.path"), "Path to the segmentation model file")
	cmd.PersistentFlags().StringVar(&settings.Inference.Detection.Path, "detection-model", viper.GetString("inference.detection.path"), "Path to the detection model file")
	cmd.PersistentFlags().StringVar(&settings.Blob.Path, "blobpath", viper.GetString("blob.path"), "Root directory of the photo blob store")

	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		fmt.Printf("error binding flags: %v\n", err)
	}
}
