package grpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/tumorscan/internal/engine"
	"github.com/example/tumorscan/internal/logging"
)

// DialEngine returns a ready-to-use connection to an engine bridge.
func DialEngine(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_engine", "", err)
		logger.Error("failed to dial engine bridge", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return conn, nil
}

// Transport invokes one bridge method. It implements engine.Transport.
type Transport struct {
	conn   grpc.ClientConnInterface
	method string
	logger *zap.Logger
}

// NewTransport binds conn to method (MethodPredict or MethodExplain).
func NewTransport(conn grpc.ClientConnInterface, method string, logger *zap.Logger) *Transport {
	return &Transport{conn: conn, method: method, logger: logger.Named("grpc_engine").With(zap.String("method", method))}
}

func (t *Transport) Invoke(ctx context.Context, request any) (*engine.Outcome, error) {
	start := time.Now()
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, &engine.Error{Kind: engine.KindInvalidPayload, Message: fmt.Sprintf("failed to encode engine request: %v", err), Err: err}
	}

	out := new(wrapperspb.BytesValue)
	var header, trailer metadata.MD
	err = t.conn.Invoke(ctx, FullMethod(t.method), wrapperspb.Bytes(payload), out, grpc.Header(&header), grpc.Trailer(&trailer))
	if err != nil {
		classified := classifyStatus(err, trailer)
		t.logger.Error("engine bridge call failed", zap.Error(err), zap.String("kind", engine.KindOf(classified).String()))
		return nil, classified
	}

	outcome, err := engine.Classify(0, out.GetValue(), nil, nil)
	if err != nil {
		return nil, err
	}
	outcome.Tolerated = len(header.Get(toleratedHeader)) > 0
	outcome.Duration = time.Since(start)
	return outcome, nil
}

func classifyStatus(err error, trailer metadata.MD) error {
	st, _ := status.FromError(err)
	if kinds := trailer.Get(errorKindTrailer); len(kinds) > 0 {
		if kind := engine.ParseKind(kinds[0]); kind != engine.KindUnknown {
			return &engine.Error{Kind: kind, Message: st.Message(), Err: err}
		}
	}
	switch st.Code() {
	case codes.DeadlineExceeded, codes.Canceled:
		return &engine.Error{Kind: engine.KindTimeout, Message: fmt.Sprintf("engine bridge call ended: %s", st.Message()), Err: err}
	}
	return &engine.Error{Kind: engine.KindTransport, Message: fmt.Sprintf("engine bridge unavailable: %s", st.Message()), Err: err}
}
