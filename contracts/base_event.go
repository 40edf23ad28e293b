package contracts

import (
	"time"

	"github.com/google/uuid"
)

// BaseEvent provides the identity fields every event carries.
// Concrete events embed it.
type BaseEvent struct {
	ID           string    `json:"id"`
	CreationDate time.Time `json:"creationDate"`
}

// NewBaseEvent creates a base event with a generated ID and the current UTC time
func NewBaseEvent() BaseEvent {
	return BaseEvent{
		ID:           uuid.New().String(),
		CreationDate: time.Now().UTC(),
	}
}

// GetID returns the event ID
func (e BaseEvent) GetID() string {
	return e.ID
}

// GetCreationDate returns when the event was created
func (e BaseEvent) GetCreationDate() time.Time {
	return e.CreationDate
}
