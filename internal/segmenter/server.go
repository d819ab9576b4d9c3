package segmenter

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Remover is what the gRPC service needs from a session.
type Remover interface {
	RemoveBackground(ctx context.Context, png []byte) ([]byte, error)
	Model() string
}

// SegmenterServer is the server API of the segmentation gRPC service.
type SegmenterServer interface {
	RemoveBackground(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var segmenterServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SegmenterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RemoveBackground", Handler: removeBackgroundHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pixelforge/segmentation/v1/segmenter.proto",
}

// RegisterSegmenterServer exposes remover as the segmentation gRPC service.
func RegisterSegmenterServer(s *grpc.Server, remover Remover, logger *zap.Logger) {
	s.RegisterService(&segmenterServiceDesc, &grpcSegmenter{remover: remover, logger: logger.Named("segmentd")})
}

type grpcSegmenter struct {
	remover Remover
	logger  *zap.Logger
}

func (g *grpcSegmenter) RemoveBackground(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if models := md.Get(modelMetadataKey); len(models) > 0 && models[0] != g.remover.Model() {
			return nil, status.Error(codes.FailedPrecondition, fmt.Sprintf("worker serves %s, not %s", g.remover.Model(), models[0]))
		}
	}
	if len(in.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty image")
	}

	out, err := g.remover.RemoveBackground(ctx, in.GetValue())
	if err != nil {
		g.logger.Error("remove background failed", zap.Error(err))
		return nil, status.Error(codes.Internal, "segmentation failed")
	}
	return wrapperspb.Bytes(out), nil
}

func removeBackgroundHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SegmenterServer).RemoveBackground(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: removeBackgroundMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SegmenterServer).RemoveBackground(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}
