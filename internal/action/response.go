package action

import (
	"encoding/json"
)

// ModuleType distinguishes an internal (built into the agent) module from
// an external (executable) one, for response bookkeeping only.
type ModuleType string

const (
	ModuleInternal ModuleType = "internal"
	ModuleExternal ModuleType = "external"
)

// Output is the captured stdout/stderr/exitcode of a module invocation.
type Output struct {
	ExitCode int    `json:"exitcode"`
	StdOut   string `json:"std_out"`
	StdErr   string `json:"std_err"`
}

// Response wraps a finalized or in-flight metadata document together with
// the information needed to render any of the four wire shapes.
type Response struct {
	ModuleType             ModuleType
	RequestType            RequestType
	Output                 Output
	ActionMetadata         *Metadata
	StatusQueryTransaction string // set only for status-query responses
}

// WireShape selects which of the four response renderings to_wire produces.
type WireShape int

const (
	WireBlocking WireShape = iota
	WireNonBlocking
	WireStatusOutput
	WireRPCError
)

// statusOutput is the client-facing shape for a status query response.
type statusOutput struct {
	TransactionID  string `json:"transaction_id"`
	Status         string `json:"status"`
	ExitCode       *int   `json:"exitcode,omitempty"`
	StdOut         string `json:"stdout,omitempty"`
	StdErr         string `json:"stderr,omitempty"`
	ExecutionError string `json:"execution_error,omitempty"`
}

// ToWire renders resp as the JSON body for shape.
func (r *Response) ToWire(shape WireShape) (json.RawMessage, error) {
	switch shape {
	case WireStatusOutput:
		return r.statusOutputWire()
	case WireRPCError:
		return json.Marshal(map[string]string{
			"transaction_id": r.ActionMetadata.TransactionID,
			"description":    r.ActionMetadata.ExecutionError,
		})
	default:
		return json.Marshal(map[string]interface{}{
			"transaction_id": r.ActionMetadata.TransactionID,
			"results":        r.ActionMetadata.Results,
		})
	}
}

// statusOutputWire derives the client-facing status from the stored status
// and exit code, per §4.1: running passes through as running; success or
// failure attach exitcode and non-empty stdout/stderr, reporting failure on
// bad results or a non-zero exit code; anything else maps to unknown.
//
// status == "undetermined" is intentionally passed through unchanged here,
// not remapped to "unknown" — see the open question in the design notes.
// TODO: some legacy PXP clients may still expect "unknown" for
// undetermined transactions; changing this requires a coordinated client
// rollout, so it is left as specified.
func (r *Response) statusOutputWire() (json.RawMessage, error) {
	md := r.ActionMetadata
	out := statusOutput{
		TransactionID:  md.TransactionID,
		ExecutionError: md.ExecutionError,
	}

	switch md.Status {
	case StatusRunning:
		out.Status = string(StatusRunning)
	case StatusSuccess, StatusFailure:
		exitcode := r.Output.ExitCode
		out.ExitCode = &exitcode
		if r.Output.StdOut != "" {
			out.StdOut = r.Output.StdOut
		}
		if r.Output.StdErr != "" {
			out.StdErr = r.Output.StdErr
		}
		if (md.ResultsAreValid != nil && !*md.ResultsAreValid) || exitcode != 0 {
			out.Status = string(StatusFailure)
		} else {
			out.Status = string(StatusSuccess)
		}
	case StatusUndetermined:
		out.Status = string(StatusUndetermined)
	default:
		out.Status = string(StatusUnknown)
	}

	return json.Marshal(out)
}
