// Package pcpwire encodes the PCP envelope/data/debug chunk framing shared
// by both the v1 and v2 wire dialects, and the message types the agent
// emits and receives.
package pcpwire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageType enumerates the message types the agent sends and receives.
type MessageType string

const (
	TypeProvisionalResponse MessageType = "http://puppetlabs.com/provisional_response_schema"
	TypeBlockingResponse    MessageType = "http://puppetlabs.com/blocking_response_schema"
	TypeNonBlockingResponse MessageType = "http://puppetlabs.com/non_blocking_response_schema"
	TypeRPCRequest          MessageType = "http://puppetlabs.com/rpc_blocking_request_schema"
	TypeRPCNonBlocking      MessageType = "http://puppetlabs.com/rpc_non_blocking_request_schema"
	TypePXPError            MessageType = "http://puppetlabs.com/pxp_error_message"
	TypePCPError            MessageType = "http://puppetlabs.com/pcp_error_message"
)

// ChunkKind distinguishes the three segments of a PCP message.
type ChunkKind byte

const (
	ChunkEnvelope ChunkKind = 1
	ChunkData     ChunkKind = 2
	ChunkDebug    ChunkKind = 3
)

// Chunk is one framed segment of a PCP message.
type Chunk struct {
	Kind    ChunkKind
	Payload json.RawMessage
}

// Envelope is the routing+identity chunk.
type Envelope struct {
	ID       string      `json:"id"`
	Sender   string      `json:"sender"`
	Targets  []string    `json:"targets"`
	Schema   MessageType `json:"message_type"`
	ExpiresS int         `json:"expires"`
}

// NewEnvelope builds an Envelope with a fresh random id.
func NewEnvelope(sender string, targets []string, schema MessageType, ttlSeconds int) Envelope {
	return Envelope{
		ID:       uuid.NewString(),
		Sender:   sender,
		Targets:  targets,
		Schema:   schema,
		ExpiresS: ttlSeconds,
	}
}

// Message is a fully parsed/unparsed set of chunks: envelope, data, and
// optional debug breadcrumbs.
type Message struct {
	Envelope Envelope
	Data     json.RawMessage
	Debug    json.RawMessage
}

// MarshalChunks renders m as the ordered chunk list the wire format
// expects: envelope first, then data, then debug if present.
func MarshalChunks(m Message) ([]Chunk, error) {
	envelopeJSON, err := json.Marshal(m.Envelope)
	if err != nil {
		return nil, fmt.Errorf("pcpwire: failed to marshal envelope: %w", err)
	}
	chunks := []Chunk{
		{Kind: ChunkEnvelope, Payload: envelopeJSON},
		{Kind: ChunkData, Payload: m.Data},
	}
	if len(m.Debug) > 0 {
		chunks = append(chunks, Chunk{Kind: ChunkDebug, Payload: m.Debug})
	}
	return chunks, nil
}

// Debug chunks are taken as they are and never fail the parse, but a
// missing or non-JSON data chunk is a hard parse failure.
// ParseChunks validates presence of the envelope and data chunks and
// decodes them into a Message. On error the returned Message is still
// non-nil whenever the envelope chunk itself parsed cleanly, so a caller
// that must reply with a PCP-level error (which is addressed to the
// envelope's sender and request id) can do so even when the data chunk is
// missing or malformed.
func ParseChunks(chunks []Chunk) (*Message, error) {
	var msg Message
	var haveEnvelope, haveData bool

	for _, c := range chunks {
		switch c.Kind {
		case ChunkEnvelope:
			if err := json.Unmarshal(c.Payload, &msg.Envelope); err != nil {
				return nil, fmt.Errorf("pcpwire: invalid envelope chunk: %w", err)
			}
			haveEnvelope = true
		case ChunkData:
			var probe interface{}
			if err := json.Unmarshal(c.Payload, &probe); err != nil {
				return &msg, fmt.Errorf("pcpwire: data chunk is not valid JSON: %w", err)
			}
			msg.Data = c.Payload
			haveData = true
		case ChunkDebug:
			msg.Debug = c.Payload
		}
	}

	if !haveEnvelope {
		return nil, fmt.Errorf("pcpwire: missing envelope chunk")
	}
	if !haveData {
		return &msg, fmt.Errorf("pcpwire: missing data chunk")
	}
	return &msg, nil
}
