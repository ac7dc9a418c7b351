package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageVersion is the schema version written by this build. Decoding
// accepts any message with the same major version.
const MessageVersion = 1

// ErrMalformedMessage marks a body that cannot be decoded into a Message.
// Consumers discard such messages instead of redelivering them.
var ErrMalformedMessage = errors.New("malformed queue message")

// Message is the body published for every job hand-off.
type Message struct {
	Version         int       `json:"version"`
	JobID           string    `json:"job_id"`
	InputLocation   string    `json:"input_location"`
	RequestedFormat string    `json:"requested_format"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewMessage builds a message at the current schema version.
func NewMessage(jobID, inputLocation, requestedFormat string, createdAt time.Time) Message {
	return Message{
		Version:         MessageVersion,
		JobID:           jobID,
		InputLocation:   inputLocation,
		RequestedFormat: requestedFormat,
		CreatedAt:       createdAt.UTC(),
	}
}

// Encode serializes the message.
func (m Message) Encode() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses a message body, rejecting unknown versions and missing fields.
func Decode(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validate() error {
	if m.Version != MessageVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedMessage, m.Version)
	}
	var missing []string
	if strings.TrimSpace(m.JobID) == "" {
		missing = append(missing, "job_id")
	}
	if strings.TrimSpace(m.InputLocation) == "" {
		missing = append(missing, "input_location")
	}
	if strings.TrimSpace(m.RequestedFormat) == "" {
		missing = append(missing, "requested_format")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedMessage, strings.Join(missing, ", "))
	}
	return nil
}
