package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokerClosed is returned by Publish and Subscribe after Close
	ErrBrokerClosed = errors.New("broker is closed")

	// ErrEmptyEnvelope is returned when an envelope has neither body nor payload
	ErrEmptyEnvelope = errors.New("envelope has neither body nor payload")

	// ErrTopicRequired is returned when publishing or subscribing without a topic
	ErrTopicRequired = errors.New("topic is required")
)

// DecodeError reports a delivered message whose data could not be read as
// the structure a handler expected.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
