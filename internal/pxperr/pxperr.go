// Package pxperr defines the closed set of error kinds the agent's
// subsystems use to classify failures for the RPC/PCP response layer.
package pxperr

import "fmt"

// Kind classifies an error for the purposes of response-shape selection.
// It never changes meaning once assigned: callers switch on Kind, not on
// error string content.
type Kind int

const (
	// KindInvalidRequest is a parse/validate failure of the request
	// envelope or its params.
	KindInvalidRequest Kind = iota
	// KindUnknownModuleOrAction is a dispatch target that does not exist.
	KindUnknownModuleOrAction
	// KindProcessingError is a structured module invocation failure
	// (e.g. could not write output files).
	KindProcessingError
	// KindBadModuleOutput is a module that exited but produced stdout
	// that does not parse as JSON.
	KindBadModuleOutput
	// KindStorageError is a spool read/write failure.
	KindStorageError
	// KindTransportError is a send failure at the PCP transport.
	KindTransportError
	// KindConnectorFatal is an unrecoverable TLS or protocol mismatch.
	KindConnectorFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnknownModuleOrAction:
		return "unknown_module_or_action"
	case KindProcessingError:
		return "processing_error"
	case KindBadModuleOutput:
		return "bad_module_output"
	case KindStorageError:
		return "storage_error"
	case KindTransportError:
		return "transport_error"
	case KindConnectorFatal:
		return "connector_fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so that the processor's
// top-level dispatch can pick the right response shape without inspecting
// error text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == kind
	}
	return false
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
