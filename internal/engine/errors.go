package engine

import (
	"errors"
	"fmt"
)

// Kind classifies why a request or an engine invocation failed.
type Kind int

const (
	KindUnknown Kind = iota
	// KindClient means a required request field was missing.
	KindClient
	// KindModelNotFound means no model artifact exists in the search directory.
	KindModelNotFound
	// KindMissingCredential means the explanation engine credential is not configured.
	KindMissingCredential
	// KindSpawn means the engine executable could not be launched.
	KindSpawn
	// KindExecution means the engine ran and exited nonzero.
	KindExecution
	// KindEmptyOutput means the engine exited cleanly without output.
	KindEmptyOutput
	// KindParse means the engine output was not valid JSON.
	KindParse
	// KindTimeout means the engine was killed after its deadline.
	KindTimeout
	// KindOutputLimit means the engine wrote more than the buffer limit.
	KindOutputLimit
	// KindInvalidPayload means the request could not be encoded or the
	// decoded response violates the result invariants.
	KindInvalidPayload
	// KindTransport means a networked engine could not be reached.
	KindTransport
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindClient:            "client_error",
	KindModelNotFound:     "model_not_found",
	KindMissingCredential: "missing_credential",
	KindSpawn:             "spawn_error",
	KindExecution:         "execution_error",
	KindEmptyOutput:       "empty_output",
	KindParse:             "parse_error",
	KindTimeout:           "timeout",
	KindOutputLimit:       "output_limit",
	KindInvalidPayload:    "invalid_payload",
	KindTransport:         "transport_error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsConfiguration reports whether the kind is a server configuration problem.
func (k Kind) IsConfiguration() bool {
	return k == KindModelNotFound || k == KindMissingCredential
}

// ParseKind is the inverse of Kind.String. Unrecognized names map to KindUnknown.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindUnknown
}

// Error is the normalized failure produced at the engine boundary.
type Error struct {
	Kind     Kind
	Message  string
	ExitCode int
	Stderr   string
	// Excerpt holds a bounded prefix of the offending output for parse errors.
	Excerpt string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError builds an Error with a formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Kind
	}
	return KindUnknown
}
