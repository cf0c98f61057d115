package transport

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/ring"
)

// Verb names a message kind. Incoming messages are dispatched to the
// handler registered for their verb.
type Verb string

// Message is one frame on the wire: a CBOR-encoded header plus an opaque
// body. Bodies are themselves CBOR payloads owned by the verb's handler.
type Message struct {
	Verb  Verb   `cbor:"v"`
	ID    string `cbor:"id"`
	From  string `cbor:"f"`
	Reply bool   `cbor:"r,omitempty"`
	Body  []byte `cbor:"b,omitempty"`
}

// NewMessage creates a request message originating at the given endpoint
func NewMessage(verb Verb, from ring.Endpoint, body []byte) *Message {
	return &Message{
		Verb: verb,
		ID:   uuid.NewString(),
		From: from.String(),
		Body: body,
	}
}

// GetReply builds the response frame for a request: same ID, reply flag set
func (m *Message) GetReply(from ring.Endpoint, body []byte) *Message {
	return &Message{
		Verb:  m.Verb,
		ID:    m.ID,
		From:  from.String(),
		Reply: true,
		Body:  body,
	}
}

// FromEndpoint parses the sender endpoint of the message
func (m *Message) FromEndpoint() (ring.Endpoint, error) {
	return ring.ParseEndpoint(m.From)
}

// EncodeBody marshals a verb body to CBOR
func EncodeBody(v interface{}) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, errors.InternalError("failed to encode message body", err)
	}
	return b, nil
}

// DecodeBody unmarshals a verb body, surfacing failures as malformed-message
// errors rather than aborting the handler.
func DecodeBody(verb Verb, body []byte, v interface{}) error {
	if err := cbor.Unmarshal(body, v); err != nil {
		return errors.MalformedMessage(string(verb), err)
	}
	return nil
}
