// Package action defines the parsed request/response value types that flow
// between the PCP connector and the request processor, and the on-disk
// metadata schema that backs the status state machine.
package action

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/puppetlabs/pxp-agent-sub000/internal/pxperr"
)

// RequestType is the dispatch shape requested by the sender.
type RequestType string

const (
	Blocking    RequestType = "blocking"
	NonBlocking RequestType = "non_blocking"
)

// Request is an immutable-after-parse view of an inbound PXP request.
type Request struct {
	Type           RequestType
	Sender         string
	ID             string
	TransactionID  string
	Module         string
	Action         string
	Params         json.RawMessage
	NotifyOutcome  bool
	Debug          json.RawMessage
	ResultsDir     string // set by the processor for NonBlocking, before worker start
}

// rawRequest is the wire shape parsed out of a PCP data chunk.
type rawRequest struct {
	Sender        string          `json:"sender"`
	RequestID     string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Module        string          `json:"module"`
	Action        string          `json:"action"`
	Params        json.RawMessage `json:"params"`
	NotifyOutcome *bool           `json:"notify_outcome"`
}

// Parse builds a Request from a data chunk and a request type, returning an
// *pxperr.Error of KindInvalidRequest if any required field is missing or
// mistyped. debug is the opaque passthrough from the envelope's debug
// chunks, echoed only in provisional/blocking responses.
func Parse(requestType RequestType, sender string, data, debug json.RawMessage) (*Request, error) {
	var raw rawRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, pxperr.Wrap(pxperr.KindInvalidRequest, err, "malformed request body")
	}

	if raw.TransactionID == "" {
		return nil, pxperr.New(pxperr.KindInvalidRequest, "missing transaction_id")
	}
	if raw.Module == "" {
		return nil, pxperr.New(pxperr.KindInvalidRequest, "missing module")
	}
	if raw.Action == "" {
		return nil, pxperr.New(pxperr.KindInvalidRequest, "missing action")
	}
	if len(raw.Params) == 0 {
		return nil, pxperr.New(pxperr.KindInvalidRequest, "missing params")
	}

	notify := false
	if raw.NotifyOutcome != nil {
		notify = *raw.NotifyOutcome
	}

	return &Request{
		Type:          requestType,
		Sender:        sender,
		ID:            raw.RequestID,
		TransactionID: raw.TransactionID,
		Module:        raw.Module,
		Action:        raw.Action,
		Params:        raw.Params,
		NotifyOutcome: notify,
		Debug:         debug,
	}, nil
}

// Status enumerates the persisted transaction status values.
type Status string

const (
	StatusRunning      Status = "running"
	StatusSuccess      Status = "success"
	StatusFailure      Status = "failure"
	StatusUndetermined Status = "undetermined"
	StatusUnknown      Status = "unknown"
)

// Metadata is the canonical persisted JSON document for a transaction, per
// the schema in the data model.
type Metadata struct {
	Requester        string          `json:"requester"`
	Module           string          `json:"module"`
	Action           string          `json:"action"`
	RequestParams    json.RawMessage `json:"request_params"`
	TransactionID    string          `json:"transaction_id"`
	RequestID        string          `json:"request_id"`
	NotifyOutcome    bool            `json:"notify_outcome"`
	Start            string          `json:"start"`
	Status           Status          `json:"status"`
	End              string          `json:"end,omitempty"`
	Results          json.RawMessage `json:"results,omitempty"`
	ResultsAreValid  *bool           `json:"results_are_valid,omitempty"`
	ExecutionError   string          `json:"execution_error,omitempty"`
}

// MetadataFromRequest builds the initial metadata for req with status
// "running", the request's params emptied of nothing yet (they are zeroed
// only on finalize, per the invariant that raw params are never persisted
// past completion).
func MetadataFromRequest(req *Request) *Metadata {
	return &Metadata{
		Requester:     req.Sender,
		Module:        req.Module,
		Action:        req.Action,
		RequestParams: req.Params,
		TransactionID: req.TransactionID,
		RequestID:     req.ID,
		NotifyOutcome: req.NotifyOutcome,
		Start:         nowISO(),
		Status:        StatusRunning,
	}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// SetValidResultsAndEnd finalizes md as a successful completion.
func (md *Metadata) SetValidResultsAndEnd(results json.RawMessage) {
	valid := true
	md.End = nowISO()
	md.Results = results
	md.ResultsAreValid = &valid
	md.Status = StatusSuccess
	md.RequestParams = json.RawMessage("{}")
}

// SetBadResultsAndEnd finalizes md as a failed completion.
func (md *Metadata) SetBadResultsAndEnd(executionError string) {
	invalid := false
	md.End = nowISO()
	md.ResultsAreValid = &invalid
	md.Status = StatusFailure
	md.ExecutionError = executionError
	md.RequestParams = json.RawMessage("{}")
}

// Validate checks that md is a well-formed, internally consistent metadata
// document before any read path trusts it.
func (md *Metadata) Validate() error {
	switch md.Status {
	case StatusRunning, StatusSuccess, StatusFailure, StatusUndetermined, StatusUnknown:
	default:
		return fmt.Errorf("metadata: invalid status %q", md.Status)
	}
	if md.Status == StatusRunning {
		if md.End != "" {
			return fmt.Errorf("metadata: status running but end is set")
		}
		if len(md.Results) != 0 {
			return fmt.Errorf("metadata: status running but results is set")
		}
	}
	if md.Status == StatusSuccess || md.Status == StatusFailure {
		if md.ResultsAreValid == nil {
			return fmt.Errorf("metadata: status %q requires results_are_valid to be set", md.Status)
		}
	}
	if md.ResultsAreValid != nil && *md.ResultsAreValid {
		if len(md.Results) == 0 {
			return fmt.Errorf("metadata: results_are_valid but results is empty")
		}
		if md.Status != StatusSuccess && md.Status != StatusFailure {
			return fmt.Errorf("metadata: results_are_valid but status is %q", md.Status)
		}
	}
	if md.TransactionID == "" {
		return fmt.Errorf("metadata: missing transaction_id")
	}
	if md.Module == "" || md.Action == "" {
		return fmt.Errorf("metadata: missing module/action")
	}
	return nil
}
