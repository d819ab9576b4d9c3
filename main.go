package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/pixelforge/internal/config"
	"github.com/example/pixelforge/internal/logging"
)

const version = "1.0.0"

func main() {
	if err := fang.Execute(context.Background(), newRootCmd(), fang.WithVersion(version)); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "pixelforge",
		Short: "Background removal service built on U²-Net segmentation",
		Long: `PixelForge removes image backgrounds with a pretrained U²-Net model.

It runs as an HTTP API, as a gRPC segmentation worker, or as a one-shot
command on local files.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// .env is optional
			_ = godotenv.Load()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("PIXELFORGE_CONFIG"), "path to a YAML config file")

	cmd.AddCommand(newServeCmd(opts), newRemoveCmd(opts), newSegmentdCmd(opts))
	return cmd
}

// load reads the configuration and builds the logger every command uses.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
