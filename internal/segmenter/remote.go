package segmenter

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/pixelforge/internal/logging"
)

const (
	serviceName            = "pixelforge.segmentation.v1.Segmenter"
	removeBackgroundMethod = "/" + serviceName + "/RemoveBackground"
	modelMetadataKey       = "x-model"
)

// RemoteEngine forwards inference to a segmentd worker over gRPC.
type RemoteEngine struct {
	conn   *grpc.ClientConn
	model  string
	logger *zap.Logger
}

// DialRemote returns a ready-to-use engine for the worker at addr.
func DialRemote(ctx context.Context, addr, model string, logger *zap.Logger, opts ...grpc.DialOption) (*RemoteEngine, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("segmenter.dial_remote", "", err)
		logger.Error("failed to dial segmentation worker", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &RemoteEngine{conn: conn, model: model, logger: logger}, nil
}

// NewRemoteFactory dials addr each time the session (re)initializes.
func NewRemoteFactory(addr string, logger *zap.Logger, opts ...grpc.DialOption) EngineFactory {
	return func(model string) (Engine, error) {
		return DialRemote(context.Background(), addr, model, logger, opts...)
	}
}

func (r *RemoteEngine) RemoveBackground(ctx context.Context, png []byte) ([]byte, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, modelMetadataKey, r.model)
	out := new(wrapperspb.BytesValue)
	if err := r.conn.Invoke(ctx, removeBackgroundMethod, wrapperspb.Bytes(png), out); err != nil {
		wrapped := logging.NewOperationError("segmenter.remote_remove_background", "", err)
		r.logger.Error("segmentation worker call failed", zap.Error(wrapped), zap.String("model", r.model))
		return nil, wrapped
	}
	return out.GetValue(), nil
}

func (r *RemoteEngine) Close() error {
	return r.conn.Close()
}
