package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"

	"task-fanout/domain"
)

// Envelope is how an out-of-process CRUD layer reports a committed mutation.
type Envelope struct {
	Kind   string          `json:"kind" validate:"required,oneof=task_updated notification"`
	Entity json.RawMessage `json:"entity" validate:"required"`
}

// Decoder turns raw envelopes into routable events.
type Decoder struct {
	validate *validator.Validate
}

// NewDecoder creates a decoder. A nil validator gets a default one.
func NewDecoder(validate *validator.Validate) *Decoder {
	if validate == nil {
		validate = validator.New()
	}
	return &Decoder{validate: validate}
}

// Decode parses data as an Envelope and builds the event it describes.
func (d *Decoder) Decode(data []byte) (domain.Event, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return domain.Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	return d.Event(env)
}

// Event validates env and builds its event.
func (d *Decoder) Event(env Envelope) (domain.Event, error) {
	if err := d.validate.Struct(env); err != nil {
		return domain.Event{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return domain.NewEventFromRaw(env.Kind, env.Entity)
}
