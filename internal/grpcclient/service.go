// Package grpcclient carries the engine JSON contract over gRPC so the gateway
// can reach engines running on another host.
//
// The service is declared by hand: each method takes and returns a
// google.protobuf.BytesValue holding the same JSON document the process
// engines read and write.
package grpcclient

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/tumorscan/internal/engine"
	"github.com/example/tumorscan/internal/logging"
)

const (
	ServiceName   = "tumorscan.engine.v1.Engine"
	MethodPredict = "Predict"
	MethodExplain = "Explain"

	errorKindTrailer = "x-engine-error-kind"
	toleratedHeader  = "x-engine-tolerated"
)

// FullMethod returns the gRPC method path for method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type engineServer struct {
	transports map[string]engine.Transport
	logger     *zap.Logger
}

// RegisterEngineServer exposes predictor and explainer on s.
func RegisterEngineServer(s *grpc.Server, predictor, explainer engine.Transport, logger *zap.Logger) {
	srv := &engineServer{
		transports: map[string]engine.Transport{
			MethodPredict: predictor,
			MethodExplain: explainer,
		},
		logger: logger.Named("engine_bridge"),
	}
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: MethodPredict, Handler: srv.handler(MethodPredict)},
			{MethodName: MethodExplain, Handler: srv.handler(MethodExplain)},
		},
		Metadata: "tumorscan/engine/v1/engine.proto",
	}, srv)
}

func (s *engineServer) handler(method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			return s.invoke(ctx, method, req.(*wrapperspb.BytesValue))
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}, call)
	}
}

func (s *engineServer) invoke(ctx context.Context, method string, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	opLogger := logging.WithOperation(s.logger, "bridge."+method, "")
	transport := s.transports[method]
	if transport == nil {
		return nil, status.Errorf(codes.Unimplemented, "engine %s is not configured", method)
	}
	if !json.Valid(in.GetValue()) {
		return nil, s.fail(ctx, engine.NewError(engine.KindInvalidPayload, "request is not valid JSON"))
	}

	outcome, err := transport.Invoke(ctx, json.RawMessage(in.GetValue()))
	if err != nil {
		opLogger.Warn("engine invocation failed", zap.Error(err))
		return nil, s.fail(ctx, err)
	}
	if outcome.Tolerated {
		_ = grpc.SetHeader(ctx, metadata.Pairs(toleratedHeader, "true"))
	}
	return wrapperspb.Bytes(outcome.Payload), nil
}

func (s *engineServer) fail(ctx context.Context, err error) error {
	kind := engine.KindOf(err)
	_ = grpc.SetTrailer(ctx, metadata.Pairs(errorKindTrailer, kind.String()))
	return status.Error(codeFor(kind), err.Error())
}

func codeFor(kind engine.Kind) codes.Code {
	switch kind {
	case engine.KindClient, engine.KindInvalidPayload:
		return codes.InvalidArgument
	case engine.KindTimeout:
		return codes.DeadlineExceeded
	case engine.KindSpawn, engine.KindModelNotFound, engine.KindMissingCredential:
		return codes.FailedPrecondition
	case engine.KindOutputLimit:
		return codes.ResourceExhausted
	}
	return codes.Internal
}
