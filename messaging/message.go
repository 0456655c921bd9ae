package messaging

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
	"unicode/utf8"
)

// Envelope is the unit of data carried through a topic: optional raw bytes,
// an optional structured payload and optional string attributes.
//
// On the wire a structured payload travels as its JSON encoding, so a
// delivered Envelope only carries Body; DecodeJSON reads it back.
type Envelope struct {
	// ID is assigned by the broker on publish and set on delivery
	ID string

	// Topic is the destination or source topic
	Topic string

	// Body is the raw message data
	Body []byte

	// Payload is a structured value encoded as JSON when published
	Payload interface{}

	// Attributes is out-of-band metadata; nil and empty are equivalent
	Attributes map[string]string

	// PublishTime is the time the broker accepted the message, when known
	PublishTime time.Time
}

// NewTextEnvelope creates an envelope whose body is the UTF-8 encoding of text
func NewTextEnvelope(topic, text string) *Envelope {
	return &Envelope{Topic: topic, Body: []byte(text)}
}

// NewJSONEnvelope creates an envelope carrying a structured payload
func NewJSONEnvelope(topic string, payload interface{}) *Envelope {
	return &Envelope{Topic: topic, Payload: payload}
}

// NewEnvelope creates an envelope with a raw body and attributes
func NewEnvelope(topic string, body []byte, attributes map[string]string) *Envelope {
	return &Envelope{Topic: topic, Body: body, Attributes: attributes}
}

// Validate reports ErrEmptyEnvelope when neither a body nor a payload is set
func (e *Envelope) Validate() error {
	if e == nil || (e.Body == nil && e.Payload == nil) {
		return ErrEmptyEnvelope
	}
	return nil
}

// Data returns the bytes that go on the wire: the body when present,
// otherwise the JSON encoding of the payload.
func (e *Envelope) Data() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.Body != nil {
		return e.Body, nil
	}

	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// Text decodes the wire data as UTF-8. It returns false when the envelope
// carries no data.
func (e *Envelope) Text() (string, bool) {
	data, err := e.Data()
	if err != nil || len(data) == 0 {
		return "", false
	}
	if !utf8.Valid(data) {
		return string([]rune(string(data))), true
	}
	return string(data), true
}

// DecodeJSON unmarshals the wire data into v. Missing data and invalid JSON
// are reported as *DecodeError.
func (e *Envelope) DecodeJSON(v interface{}) error {
	data, err := e.Data()
	if err != nil {
		return &DecodeError{Reason: "message has no data", Err: err}
	}
	if len(data) == 0 {
		return &DecodeError{Reason: "message has no data", Err: ErrEmptyEnvelope}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Reason: "message was not JSON", Err: err}
	}
	return nil
}

// Attribute returns the named attribute. A missing entry is not an error.
func (e *Envelope) Attribute(key string) (string, bool) {
	if e == nil || e.Attributes == nil {
		return "", false
	}
	value, ok := e.Attributes[key]
	return value, ok
}

// Clone returns a deep copy so that subscribers never share state with the
// publisher or with each other.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Body != nil {
		clone.Body = append([]byte(nil), e.Body...)
	}
	if e.Attributes != nil {
		clone.Attributes = maps.Clone(e.Attributes)
	}
	return &clone
}
