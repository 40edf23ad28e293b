package contracts

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var rawJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// RawEvent carries an already encoded JSON object under an explicit routing
// name. Its identity fields are merged into the object when encoded.
type RawEvent struct {
	BaseEvent
	Name string
	Data json.RawMessage
}

// NewRawEvent creates a raw event with a fresh identity
func NewRawEvent(name string, data []byte) *RawEvent {
	return &RawEvent{BaseEvent: NewBaseEvent(), Name: name, Data: data}
}

// EventName implements Named
func (e *RawEvent) EventName() string {
	return e.Name
}

// MarshalJSON writes Data with id and creationDate filled in when missing
func (e *RawEvent) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}
	if len(e.Data) > 0 {
		if err := rawJSON.Unmarshal(e.Data, &fields); err != nil {
			return nil, fmt.Errorf("raw event data must be a JSON object: %w", err)
		}
	}

	if _, ok := fields["id"]; !ok {
		fields["id"] = e.ID
	}
	if _, ok := fields["creationDate"]; !ok {
		fields["creationDate"] = e.CreationDate
	}
	return rawJSON.Marshal(fields)
}

// UnmarshalJSON keeps the body as Data and reads the identity fields from it
func (e *RawEvent) UnmarshalJSON(data []byte) error {
	var base BaseEvent
	if err := rawJSON.Unmarshal(data, &base); err != nil {
		return err
	}
	e.BaseEvent = base
	e.Data = append(e.Data[:0], data...)
	return nil
}
