package pcp

import (
	"encoding/json"

	"github.com/puppetlabs/pxp-agent-sub000/internal/action"
	"github.com/puppetlabs/pxp-agent-sub000/internal/pcpwire"
)

// SendProvisionalResponse acks a non-blocking request before the worker
// starts; it echoes the request's debug chunks on v1 (v2 sends carry no
// debug).
func (c *Connector) SendProvisionalResponse(req *action.Request, md *action.Metadata) {
	body, _ := json.Marshal(map[string]interface{}{
		"transaction_id": req.TransactionID,
		"success":        true,
	})
	c.sendTo(req.Sender, pcpwire.TypeProvisionalResponse, body, req.Debug)
}

// SendBlockingResponse sends the inline result of a Blocking request.
// Blocking responses echo the request's debug chunks.
func (c *Connector) SendBlockingResponse(resp *action.Response, req *action.Request) error {
	body, err := resp.ToWire(action.WireBlocking)
	if err != nil {
		return err
	}
	c.sendTo(req.Sender, pcpwire.TypeBlockingResponse, body, req.Debug)
	return nil
}

// SendStatusResponse answers a status query. Status responses echo debug.
func (c *Connector) SendStatusResponse(resp *action.Response, req *action.Request) error {
	body, err := resp.ToWire(action.WireStatusOutput)
	if err != nil {
		return err
	}
	c.sendTo(req.Sender, pcpwire.TypeBlockingResponse, body, req.Debug)
	return nil
}

// SendNonBlockingResponse sends the deferred result of a non-blocking
// transaction. Non-blocking responses never echo debug — the provisional
// ack already carried it.
func (c *Connector) SendNonBlockingResponse(resp *action.Response, sender string) error {
	body, err := resp.ToWire(action.WireNonBlocking)
	if err != nil {
		return err
	}
	c.sendTo(sender, pcpwire.TypeNonBlockingResponse, body, nil)
	return nil
}

// SendPXPError sends an application-level (PXP) error to sender, optionally
// echoing the originating request's debug chunks when one is available.
func (c *Connector) SendPXPError(sender, transactionID, description string, debug json.RawMessage) {
	body, _ := json.Marshal(map[string]string{
		"transaction_id": transactionID,
		"description":    description,
	})
	c.sendTo(sender, pcpwire.TypePXPError, body, debug)
}

// SendPCPError sends a transport-level (PCP) error — used when a frame
// can't even be parsed into an ActionRequest, so there is no transaction id
// to report.
func (c *Connector) SendPCPError(sender, requestID, description string) {
	body, _ := json.Marshal(map[string]string{
		"id":          requestID,
		"description": description,
	})
	c.sendTo(sender, pcpwire.TypePCPError, body, nil)
}

func (c *Connector) sendTo(target string, schema pcpwire.MessageType, body, debug json.RawMessage) {
	ttl := 0
	if c.cfg.Dialect == V1 {
		ttl = int(c.cfg.MessageTTL.Seconds())
	} else {
		// v2 never echoes debug.
		debug = nil
	}
	env := pcpwire.NewEnvelope(c.cfg.Identity, []string{target}, schema, ttl)
	c.Send(pcpwire.Message{Envelope: env, Data: body, Debug: debug})
}
