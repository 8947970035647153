package modules

import "encoding/json"

// Internal is a Module implemented in Go rather than shelling out to an
// executable. The agent ships a small set of these (status, ping, echo)
// the way the original implementation does.
type Internal struct {
	name    string
	actions map[string]*Action
	handler func(action string, params json.RawMessage) (json.RawMessage, error)
}

func (m *Internal) Name() string               { return m.name }
func (m *Internal) Actions() map[string]*Action { return m.actions }
func (m *Internal) SupportsAsync() bool         { return false }
func (m *Internal) HasAction(name string) bool  { _, ok := m.actions[name]; return ok }

func (m *Internal) Execute(action string, params json.RawMessage) (json.RawMessage, error) {
	return m.handler(action, params)
}

func (m *Internal) ExecuteAsync(action string, params json.RawMessage, resultsDir string, onPID func(pid int)) error {
	panic("internal modules do not support non-blocking invocation")
}

// NewEcho returns the built-in "echo" module: action "echo" reflects its
// params back unchanged, the way the original CthunAgent::Modules::Echo
// callAction does (it returns parsed_chunks.data["params"] verbatim).
func NewEcho() *Internal {
	return &Internal{
		name:    "echo",
		actions: map[string]*Action{"echo": {Name: "echo"}},
		handler: func(action string, params json.RawMessage) (json.RawMessage, error) {
			return params, nil
		},
	}
}

// NewPing returns the built-in "ping" module, used by the broker to probe
// liveness without touching the spool.
func NewPing() *Internal {
	return &Internal{
		name:    "ping",
		actions: map[string]*Action{"ping": {Name: "ping"}},
		handler: func(action string, params json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(map[string]string{"response": "pong"})
		},
	}
}

// StatusQuerier answers the built-in "status.query" action by looking up a
// transaction's derived status. The request processor supplies the
// implementation (it owns the storage/mutex-registry/thread-container
// cooperation the derivation needs).
type StatusQuerier func(transactionID string) (json.RawMessage, error)

// NewStatus returns the built-in "status" module, whose "query" action
// defers to querier rather than doing its own file I/O, since the
// derivation requires cooperating with live workers (see the processor's
// status path).
func NewStatus(querier StatusQuerier) *Internal {
	return &Internal{
		name:    "status",
		actions: map[string]*Action{"query": {Name: "query"}},
		handler: func(action string, params json.RawMessage) (json.RawMessage, error) {
			var in struct {
				TransactionID string `json:"transaction_id"`
			}
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, err
			}
			return querier(in.TransactionID)
		},
	}
}
