// Package schema checks event payloads before they are published.
package schema

import (
	"errors"
	"fmt"

	"call-relay-service/internal/models"
)

// ErrInvalidEvent is returned for payloads missing required fields.
var ErrInvalidEvent = errors.New("invalid event")

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks the required fields of known event types.
// Unknown types pass through unchecked.
func (v *Validator) Validate(event any) error {
	switch e := event.(type) {
	case models.TranscriptEntryEvent:
		return v.validateEntry(&e)
	case *models.TranscriptEntryEvent:
		return v.validateEntry(e)
	case models.CallEndedEvent:
		return v.validateEnded(&e)
	case *models.CallEndedEvent:
		return v.validateEnded(e)
	}
	return nil
}

func (v *Validator) validateEntry(e *models.TranscriptEntryEvent) error {
	if e == nil {
		return fmt.Errorf("%w: nil transcript entry", ErrInvalidEvent)
	}
	if err := required(e.EventType, "eventType", e.CallID, "callId", e.Role, "role", e.Text, "text"); err != nil {
		return err
	}
	if e.Seq < 1 {
		return fmt.Errorf("%w: seq must be positive, got %d", ErrInvalidEvent, e.Seq)
	}
	return nil
}

func (v *Validator) validateEnded(e *models.CallEndedEvent) error {
	if e == nil {
		return fmt.Errorf("%w: nil call ended event", ErrInvalidEvent)
	}
	if err := required(e.EventType, "eventType", e.CallID, "callId", e.Reason, "reason"); err != nil {
		return err
	}
	if e.DurationMs < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidEvent)
	}
	return nil
}

// required takes value/name pairs.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i] == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidEvent, pairs[i+1])
		}
	}
	return nil
}
