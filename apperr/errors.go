// Package apperr defines the error kinds surfaced by the harness.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller is expected to react.
type Kind int

const (
	KindUnknown Kind = iota
	// KindUsage is a caller-fixable misuse of the API.
	KindUsage
	// KindResolution means no implementation could be found for the bound runtime.
	KindResolution
	// KindTimeout means a real-wall-clock wait budget ran out.
	KindTimeout
	// KindRuntime is a fatal error raised by the game runtime.
	KindRuntime
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindResolution:
		return "resolution"
	case KindTimeout:
		return "timeout"
	case KindRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching on the kind.
var (
	ErrUsage      = errors.New("usage error")
	ErrResolution = errors.New("resolution error")
	ErrTimeout    = errors.New("timeout")
	ErrRuntime    = errors.New("runtime error")
)

var sentinels = map[Kind]error{
	KindUsage:      ErrUsage,
	KindResolution: ErrResolution,
	KindTimeout:    ErrTimeout,
	KindRuntime:    ErrRuntime,
}

// Error carries a kind, the operation that failed and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// Usage returns a KindUsage error.
func Usage(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindUsage, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Resolution returns a KindResolution error.
func Resolution(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindResolution, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Timeout returns a KindTimeout error.
func Timeout(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTimeout, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Runtime wraps err as a KindRuntime error. A nil err yields nil.
func Runtime(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Kind == KindRuntime {
		return err
	}
	return &Error{Kind: KindRuntime, Op: op, Msg: "runtime failure", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}
