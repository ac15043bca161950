package types

import (
	"time"

	"github.com/google/uuid"
)

// ChangeAction describes a structural registry mutation.
type ChangeAction string

const (
	ChangeAdd     ChangeAction = "add"
	ChangeRemove  ChangeAction = "remove"
	ChangeReplace ChangeAction = "replace"
	ChangeReset   ChangeAction = "reset"
)

// ChangeEvent is published on every structural mutation of a collection.
// Applets lists the affected applet ids; it is empty for a reset.
type ChangeEvent struct {
	ID      string       `json:"id"`
	Action  ChangeAction `json:"action"`
	Applets []string     `json:"applets,omitempty"`
	Time    time.Time    `json:"time"`
}

// NewChangeEvent stamps a change event with an id and timestamp.
func NewChangeEvent(action ChangeAction, applets ...string) ChangeEvent {
	return ChangeEvent{
		ID:      uuid.New().String(),
		Action:  action,
		Applets: applets,
		Time:    time.Now(),
	}
}
