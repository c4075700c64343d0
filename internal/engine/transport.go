// Package engine runs the external inference and explanation engines and
// normalizes their results.
//
// An engine receives one JSON document and replies with one JSON document.
// The default Transport spawns it as a subprocess speaking JSON over
// stdin/stdout; other transports (gRPC, in-memory stubs) honor the same
// contract and the same error kinds.
package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Outcome is a successful engine invocation.
type Outcome struct {
	Payload  json.RawMessage
	ExitCode int
	Stderr   string
	// Tolerated is set when a nonzero exit was accepted because stderr only
	// carried an allow-listed warning.
	Tolerated bool
	Duration  time.Duration
}

// Transport executes one engine invocation. Failures are returned as *Error.
type Transport interface {
	Invoke(ctx context.Context, request any) (*Outcome, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, request any) (*Outcome, error)

// Invoke calls f.
func (f TransportFunc) Invoke(ctx context.Context, request any) (*Outcome, error) {
	return f(ctx, request)
}
