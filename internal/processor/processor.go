// Package processor implements the RequestProcessor: validation, dispatch
// to the blocking/non-blocking/status paths, worker lifecycle, and
// cooperation between live workers and on-disk metadata.
package processor

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/puppetlabs/pxp-agent-sub000/internal/action"
	"github.com/puppetlabs/pxp-agent-sub000/internal/modules"
	"github.com/puppetlabs/pxp-agent-sub000/internal/mutexregistry"
	"github.com/puppetlabs/pxp-agent-sub000/internal/pxperr"
	"github.com/puppetlabs/pxp-agent-sub000/internal/storage"
	"github.com/puppetlabs/pxp-agent-sub000/internal/threadcontainer"
)

// Sender is the subset of the connector's send surface the processor needs,
// kept as an interface so tests can substitute a fake without a real
// WebSocket connection.
type Sender interface {
	SendProvisionalResponse(req *action.Request, md *action.Metadata)
	SendBlockingResponse(resp *action.Response, req *action.Request) error
	SendStatusResponse(resp *action.Response, req *action.Request) error
	SendNonBlockingResponse(resp *action.Response, sender string) error
	SendPXPError(sender, transactionID, description string, debug json.RawMessage)
	SendPCPError(sender, requestID, description string)
}

// Processor is the RequestProcessor.
type Processor struct {
	registry *modules.Registry
	storage  *storage.Storage
	mutexes  *mutexregistry.Registry
	workers  *threadcontainer.Container
	sender   Sender
	logger   logrus.FieldLogger

	// startMu guards the check-then-start sequence in the non-blocking
	// path so two concurrent submissions for the same transaction id can
	// never both decide to start a worker.
	startMu sync.Mutex

	statsMu sync.Mutex
	stats   map[action.Status]int
}

// New builds a Processor wired to the given subsystems.
func New(registry *modules.Registry, store *storage.Storage, mutexes *mutexregistry.Registry, workers *threadcontainer.Container, sender Sender, logger logrus.FieldLogger) *Processor {
	return &Processor{
		registry: registry,
		storage:  store,
		mutexes:  mutexes,
		workers:  workers,
		sender:   sender,
		logger:   logger,
		stats:    make(map[action.Status]int),
	}
}

// ProcessRequest builds an ActionRequest from the incoming chunk set and
// dispatches it. Any error from parsing or dispatch becomes an RPC error to
// the sender; a parse failure specifically becomes a PCP-level error, since
// there is no trustworthy transaction id to address a PXP error to.
func (p *Processor) ProcessRequest(requestType action.RequestType, senderURI string, data, debug json.RawMessage) {
	req, err := action.Parse(requestType, senderURI, data, debug)
	if err != nil {
		p.sender.SendPCPError(senderURI, "", err.Error())
		return
	}

	if err := p.validateRequestContent(req); err != nil {
		p.sender.SendPXPError(req.Sender, req.TransactionID, err.Error(), req.Debug)
		return
	}

	if req.Module == statusModuleName && req.Action == statusQueryAction {
		p.dispatchStatus(req)
		return
	}

	switch req.Type {
	case action.Blocking:
		p.dispatchBlocking(req)
	default:
		p.dispatchNonBlocking(req)
	}
}

const (
	statusModuleName  = "status"
	statusQueryAction = "query"
)

func (p *Processor) validateRequestContent(req *action.Request) error {
	mod, ok := p.registry.Get(req.Module)
	if !ok {
		return pxperr.New(pxperr.KindUnknownModuleOrAction, "unknown module %q", req.Module)
	}
	if !mod.HasAction(req.Action) {
		return pxperr.New(pxperr.KindUnknownModuleOrAction, "module %q has no action %q", req.Module, req.Action)
	}
	if req.Type == action.NonBlocking && !mod.SupportsAsync() {
		return pxperr.New(pxperr.KindInvalidRequest, "module %q does not support non-blocking requests", req.Module)
	}
	if act := mod.Actions()[req.Action]; act != nil && act.InputValidator != nil {
		if err := act.InputValidator.Validate(req.Params); err != nil {
			return pxperr.Wrap(pxperr.KindInvalidRequest, err, "params do not match the input schema for %s/%s", req.Module, req.Action)
		}
	}
	return nil
}

// dispatchBlocking invokes the module inline on the calling goroutine.
func (p *Processor) dispatchBlocking(req *action.Request) {
	mod, _ := p.registry.Get(req.Module)
	md := action.MetadataFromRequest(req)

	results, err := mod.Execute(req.Action, req.Params)
	resp := &action.Response{RequestType: action.Blocking, ActionMetadata: md}

	if err != nil {
		md.SetBadResultsAndEnd(err.Error())
		p.sender.SendPXPError(req.Sender, req.TransactionID, md.ExecutionError, req.Debug)
		p.recordStatus(md.Status)
		return
	}

	md.SetValidResultsAndEnd(results)
	if sendErr := p.sender.SendBlockingResponse(resp, req); sendErr != nil {
		p.logger.Warnf("failed to send blocking response for %s: %v", req.TransactionID, sendErr)
	}
	p.recordStatus(md.Status)
}

func (p *Processor) recordStatus(status action.Status) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats[status]++
}

// Stats returns a snapshot of transaction counts by terminal status, an
// in-process introspection hook with no HTTP surface.
func (p *Processor) Stats() map[action.Status]int {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	out := make(map[action.Status]int, len(p.stats))
	for k, v := range p.stats {
		out[k] = v
	}
	return out
}
