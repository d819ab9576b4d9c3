package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/pixelforge/internal/artifact"
)

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "remove <image>",
		Short: "Remove the background of a local image",
		Example: `  # Writes no_bg_cat.jpg next to the input
  pixelforge remove photos/cat.jpg

  # Choose the output file
  pixelforge remove photos/cat.jpg -o cat-cutout.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			input, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			cfg.Storage.LocalRoot = filepath.Dir(input)

			stagingDir, err := os.MkdirTemp("", "pixelforge-*")
			if err != nil {
				return fmt.Errorf("create staging dir: %w", err)
			}
			defer os.RemoveAll(stagingDir) //nolint:errcheck
			staging, err := artifact.NewStaging(stagingDir)
			if err != nil {
				return err
			}

			session, err := newSession(cfg, logger)
			if err != nil {
				return fmt.Errorf("load model %s: %w", cfg.Model.Name, err)
			}
			defer closeSession(session, logger)

			uc := newUseCase(cfg, session, staging, artifact.NewMemoryRegistry(), nil, logger)
			res, err := uc.RemoveLocal(cmd.Context(), input)
			if err != nil {
				return err
			}
			defer uc.Release(res)

			if output == "" {
				output = filepath.Join(filepath.Dir(input), res.DownloadName)
			}
			data, err := os.ReadFile(res.OutputPath)
			if err != nil {
				return fmt.Errorf("read result: %w", err)
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}

			logger.Info("background removed", zap.String("output", output), zap.Duration("elapsed", res.Elapsed))
			cmd.Printf("%s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default no_bg_<input name> next to the input)")
	return cmd
}
