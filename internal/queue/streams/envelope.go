package streams

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the message wrapper persisted to Redis Streams.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	TraceID        string          `json:"trace_id,omitempty"`
	Attempt        int             `json:"attempt"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// ValidateBasic checks the envelope fields before schema validation. A zero
// occurred_at is filled with the current time.
func (e *Envelope) ValidateBasic() error {
	var errs []error
	if e.EventID == "" {
		errs = append(errs, errors.New("event_id is required"))
	}
	if e.EventType == "" {
		errs = append(errs, errors.New("event_type is required"))
	}
	if e.PayloadVersion == "" {
		errs = append(errs, errors.New("payload_version is required"))
	}
	if e.Attempt < 0 {
		errs = append(errs, errors.New("attempt must be >= 0"))
	}
	if len(e.Data) == 0 {
		errs = append(errs, errors.New("data payload is required"))
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return errors.Join(errs...)
}

// Marshal returns the JSON encoding of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Redelivery returns a copy for another attempt with a fresh event id.
func (e Envelope) Redelivery() Envelope {
	e.EventID = ""
	e.OccurredAt = time.Time{}
	e.Attempt++
	return e
}

// UnmarshalEnvelope parses and validates an envelope.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}
