package processor

import (
	"encoding/json"
	"syscall"
	"time"

	"github.com/puppetlabs/pxp-agent-sub000/internal/action"
)

// metadataRaceWindow is the sleep given to a just-finished worker to land
// its metadata write before the status path reads it.
const metadataRaceWindow = 100 * time.Millisecond

// outputDelayWindow mirrors modules.OutputDelayWindow; kept as a separate
// constant here since the status path waits on it independently of any
// particular module invocation.
const outputDelayWindow = 100 * time.Millisecond

type pidState int

const (
	pidUnknown pidState = iota
	pidRunning
	pidNotRunning
)

// QueryStatusJSON answers a status query for tid and renders it as the
// status-output wire shape. It is the built-in status module's handler,
// used when that module's Execute is called; ProcessRequest itself routes
// status/query to dispatchStatus.
func (p *Processor) QueryStatusJSON(tid string) (json.RawMessage, error) {
	resp := p.queryStatus(tid)
	resp.StatusQueryTransaction = tid
	return resp.ToWire(action.WireStatusOutput)
}

// dispatchStatus answers a status query for req.Params' transaction_id,
// following the multi-signal derivation table in the status state machine.
func (p *Processor) dispatchStatus(req *action.Request) {
	var in struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(req.Params, &in); err != nil || in.TransactionID == "" {
		p.sender.SendPXPError(req.Sender, req.TransactionID, "status query is missing transaction_id", req.Debug)
		return
	}
	tid := in.TransactionID

	resp := p.queryStatus(tid)
	resp.StatusQueryTransaction = tid
	if err := p.sender.SendStatusResponse(resp, req); err != nil {
		p.logger.WithField("transaction_id", tid).Warnf("failed to send status response: %v", err)
	}
}

func unknownResponse(tid, reason string) *action.Response {
	return &action.Response{
		RequestType: action.Blocking,
		ActionMetadata: &action.Metadata{
			TransactionID:  tid,
			Status:         action.StatusUnknown,
			ExecutionError: reason,
		},
	}
}

// queryStatus implements §4.5's status path end to end.
func (p *Processor) queryStatus(tid string) *action.Response {
	if !p.storage.Find(tid) {
		return unknownResponse(tid, "found no results directory")
	}

	pidKnown := p.readPIDState(tid)

	lock, cached := p.mutexes.Get(tid)
	if cached {
		lock.Lock()
		defer lock.Unlock()
	}

	md, err := p.storage.GetActionMetadata(tid)
	if err != nil {
		return unknownResponse(tid, err.Error())
	}

	if _, ok := p.registry.Get(md.Module); !ok {
		return unknownResponse(tid, "metadata refers to an unknown module")
	}

	if md.Status != action.StatusRunning {
		return &action.Response{RequestType: action.Blocking, ActionMetadata: md}
	}

	hasExitcode := p.storage.OutputIsReady(tid)

	switch {
	case pidKnown == pidRunning && !hasExitcode:
		return &action.Response{RequestType: action.Blocking, ActionMetadata: md}

	case pidKnown == pidNotRunning && !hasExitcode:
		md.Status = action.StatusUndetermined
		if md.ExecutionError == "" {
			md.ExecutionError = "process is not running and produced no output"
		}
		p.storage.UpdateMetadata(tid, md)
		return &action.Response{RequestType: action.Blocking, ActionMetadata: md}

	case pidKnown == pidUnknown && !hasExitcode:
		if p.workers.Find(tid) {
			return &action.Response{RequestType: action.Blocking, ActionMetadata: md}
		}
		md.Status = action.StatusUnknown
		md.ExecutionError = "PID and output unavailable"
		return &action.Response{RequestType: action.Blocking, ActionMetadata: md}

	case hasExitcode:
		if pidKnown == pidRunning {
			time.Sleep(outputDelayWindow)
		}
		output, err := p.storage.GetOutput(tid)
		if err != nil {
			return unknownResponse(tid, err.Error())
		}
		if act, ok := p.registry.Get(md.Module); ok {
			if a := act.Actions()[md.Action]; a != nil && a.ResultValidator != nil && output.StdOut != "" {
				if verr := a.ResultValidator.Validate(json.RawMessage(output.StdOut)); verr != nil {
					md.SetBadResultsAndEnd("module output failed schema validation: " + verr.Error())
					p.storage.UpdateMetadata(tid, md)
					return &action.Response{RequestType: action.Blocking, Output: output, ActionMetadata: md}
				}
			}
		}
		if output.ExitCode != 0 {
			md.SetBadResultsAndEnd("module exited with non-zero status")
		} else {
			results := json.RawMessage(output.StdOut)
			if len(results) == 0 {
				results = json.RawMessage("null")
			}
			md.SetValidResultsAndEnd(results)
		}
		p.storage.UpdateMetadata(tid, md)
		return &action.Response{RequestType: action.Blocking, Output: output, ActionMetadata: md}
	}

	// Unreachable: the switch above is exhaustive over (pidKnown, hasExitcode).
	return unknownResponse(tid, "could not derive status")
}

// readPIDState reads the pid file (if any) and checks liveness with a
// signal-0 probe, sleeping the metadata race window if the process is gone
// but a worker may still be finishing its metadata write.
func (p *Processor) readPIDState(tid string) pidState {
	if !p.storage.PIDFileExists(tid) {
		return pidUnknown
	}
	pid, err := p.storage.GetPID(tid)
	if err != nil {
		p.logger.WithField("transaction_id", tid).Warnf("invalid pid file: %v", err)
		return pidUnknown
	}

	if processAlive(pid) {
		return pidRunning
	}

	if p.mutexes.Exists(tid) {
		time.Sleep(metadataRaceWindow)
	}
	return pidNotRunning
}

// processAlive performs the signal-0-equivalent liveness check: sending
// signal 0 to a pid reports whether the process exists without affecting
// it.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil
}
