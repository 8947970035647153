package processor

import (
	"github.com/puppetlabs/pxp-agent-sub000/internal/action"
	"github.com/puppetlabs/pxp-agent-sub000/internal/modules"
)

// dispatchNonBlocking implements §4.5's non-blocking path: it sets
// req.ResultsDir, then under the processor's own start lock checks whether
// this transaction id is already in flight (live worker or existing spool
// dir) before deciding to start a new worker. Either way it always sends a
// provisional response — that is what makes duplicate submission safe and
// idempotent.
func (p *Processor) dispatchNonBlocking(req *action.Request) {
	req.ResultsDir = p.storage.Dir(req.TransactionID)

	started := p.tryStartWorker(req)
	if !started {
		p.logger.WithField("transaction_id", req.TransactionID).Debug(
			"non-blocking request already in flight, sending provisional response only")
	}

	md := action.MetadataFromRequest(req)
	p.sender.SendProvisionalResponse(req, md)
}

// tryStartWorker returns true if it started a new worker for req, false if
// one was already running or the spool directory already existed.
func (p *Processor) tryStartWorker(req *action.Request) bool {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.workers.Find(req.TransactionID) || p.storage.Find(req.TransactionID) {
		return false
	}

	md := action.MetadataFromRequest(req)
	if err := p.storage.InitializeMetadata(req.TransactionID, md); err != nil {
		p.logger.WithField("transaction_id", req.TransactionID).Errorf(
			"failed to initialize metadata, not starting worker: %v", err)
		p.sender.SendPXPError(req.Sender, req.TransactionID, "failed to initialize results storage", req.Debug)
		return false
	}

	p.workers.Add(req.TransactionID)
	go p.runWorker(req)
	return true
}

// runWorker is the worker task body. It always runs its scope-exit cleanup
// (registry release, mutex unlock, done-flag set) regardless of how
// execution finishes, mirroring the deferred-cleanup idiom the dispatch
// guarantees rely on.
func (p *Processor) runWorker(req *action.Request) {
	tid := req.TransactionID

	if err := p.mutexes.Add(tid); err != nil {
		p.logger.WithField("transaction_id", tid).Errorf("failed to register mutex: %v", err)
		p.workers.MarkDone(tid)
		return
	}
	mu, _ := p.mutexes.Get(tid)
	mu.Lock()

	defer func() {
		mu.Unlock()
		p.mutexes.Remove(tid)
		p.workers.MarkDone(tid)
	}()

	mod, ok := p.registry.Get(req.Module)
	if !ok {
		// Cannot happen in practice (validated before dispatch); this path
		// still finalizes the metadata as a failure.
		p.finalizeFailure(req, mu, "module disappeared after validation")
		return
	}

	md, err := p.invokeModule(mod, req)
	if err != nil {
		p.finalizeFailureLocked(req, md, err.Error())
		return
	}

	p.finalizeSuccessLocked(req, md)
}

// invokeModule runs the module (blocking-style external invocation under
// the hood, since §4.6's non-blocking shape already returns once the
// output-delay window has elapsed) and builds the metadata to persist.
func (p *Processor) invokeModule(mod modules.Module, req *action.Request) (*action.Metadata, error) {
	md := action.MetadataFromRequest(req)

	onPID := func(pid int) {
		if err := p.storage.WritePID(req.TransactionID, pid); err != nil {
			p.logger.WithField("transaction_id", req.TransactionID).Warnf("failed to write pid file: %v", err)
		}
	}

	if err := mod.ExecuteAsync(req.Action, req.Params, req.ResultsDir, onPID); err != nil {
		return md, err
	}
	return md, nil
}

// finalizeSuccessLocked reads the module's output off disk, finalizes
// metadata, persists it (the caller already holds the per-transaction
// mutex), and notifies the sender if requested.
func (p *Processor) finalizeSuccessLocked(req *action.Request, md *action.Metadata) {
	output, err := p.storage.GetOutput(req.TransactionID)
	if err != nil {
		p.finalizeFailureLocked(req, md, err.Error())
		return
	}

	if output.ExitCode != 0 {
		md.SetBadResultsAndEnd("module exited with non-zero status")
	} else {
		results := []byte(output.StdOut)
		if len(results) == 0 {
			results = []byte("null")
		}
		md.SetValidResultsAndEnd(results)
	}

	if err := p.storage.UpdateMetadata(req.TransactionID, md); err != nil {
		// §7 StorageError: log and proceed, the finalize may be out of
		// sync on disk but the in-flight notification still fires.
		p.logger.WithField("transaction_id", req.TransactionID).Errorf("failed to persist finalized metadata: %v", err)
	}
	p.recordStatus(md.Status)

	if req.NotifyOutcome {
		resp := &action.Response{RequestType: action.NonBlocking, Output: output, ActionMetadata: md}
		if md.Status == action.StatusSuccess {
			if err := p.sender.SendNonBlockingResponse(resp, req.Sender); err != nil {
				p.logger.WithField("transaction_id", req.TransactionID).Warnf("failed to send non-blocking response: %v", err)
			}
		} else {
			p.sender.SendPXPError(req.Sender, req.TransactionID, md.ExecutionError, nil)
		}
	}
}

// finalizeFailureLocked persists a failure metadata while holding the
// per-transaction mutex.
func (p *Processor) finalizeFailureLocked(req *action.Request, md *action.Metadata, reason string) {
	md.SetBadResultsAndEnd(reason)
	if err := p.storage.UpdateMetadata(req.TransactionID, md); err != nil {
		p.logger.WithField("transaction_id", req.TransactionID).Errorf("failed to persist failure metadata: %v", err)
	}
	p.recordStatus(md.Status)
	if req.NotifyOutcome {
		p.sender.SendPXPError(req.Sender, req.TransactionID, reason, nil)
	}
}

// finalizeFailure builds fresh metadata from req and persists it as a
// failure; runWorker uses it when the module is missing from the registry.
// The second argument is unused.
func (p *Processor) finalizeFailure(req *action.Request, _ interface{}, reason string) {
	md := action.MetadataFromRequest(req)
	p.finalizeFailureLocked(req, md, reason)
}
