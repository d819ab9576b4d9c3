package main

import (
	"errors"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/pixelforge/internal/segmenter"
)

func newSegmentdCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "segmentd",
		Short: "Run a gRPC segmentation worker backed by ONNX Runtime",
		Long: `segmentd loads the model in process and serves it over gRPC so that
one or more HTTP front-ends configured with model.backend=grpc can share it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			if addr != "" {
				cfg.Server.GRPCAddr = addr
			}
			if cfg.Model.Backend != "onnx" {
				return errors.New("segmentd needs model.backend=onnx")
			}

			session, err := newSession(cfg, logger)
			if err != nil {
				return fmt.Errorf("load model %s: %w", cfg.Model.Name, err)
			}
			defer closeSession(session, logger)

			listener, err := net.Listen("tcp", cfg.Server.GRPCAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Server.GRPCAddr, err)
			}

			server := grpc.NewServer(grpc.MaxRecvMsgSize(int(cfg.Limits.MaxUploadBytes) + 1<<20))
			segmenter.RegisterSegmenterServer(server, session, logger)

			sigCh, stopSignals := shutdownSignals(nil)
			defer stopSignals()

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Serve(listener)
			}()
			logger.Info("segmentation worker listening",
				zap.String("addr", listener.Addr().String()),
				zap.String("model", session.Model()),
			)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			case <-cmd.Context().Done():
			}
			server.GracefulStop()
			return <-errCh
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC listen address, overrides server.grpc_addr")
	return cmd
}
