package types

import "fmt"

// Status is the lifecycle state of a transaction tracked by the service.
//
// The valid transitions are:
//
//	new         -> queued | unconfirmed | confirmed | error
//	queued      -> unconfirmed | confirmed | error
//	unconfirmed -> confirmed | error
//	confirmed   -> confirmed (idempotent)
//	error       (terminal)
type Status string

const (
	StatusNew         Status = "new"
	StatusQueued      Status = "queued"
	StatusUnconfirmed Status = "unconfirmed"
	StatusConfirmed   Status = "confirmed"
	StatusError       Status = "error"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusQueued, StatusUnconfirmed, StatusConfirmed, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition out of s is allowed.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusError
}

// CanTransition reports whether a transition from s to next is allowed.
// The confirmed -> confirmed transition is allowed so that re-processing a
// block is idempotent.
func (s Status) CanTransition(next Status) bool {
	if !next.Valid() {
		return false
	}
	switch s {
	case StatusNew:
		return next != StatusNew
	case StatusQueued:
		return next == StatusUnconfirmed || next == StatusConfirmed || next == StatusError
	case StatusUnconfirmed:
		return next == StatusConfirmed || next == StatusError
	case StatusConfirmed:
		return next == StatusConfirmed
	case StatusError:
		return false
	}
	return false
}

// ErrInvalidTransition is returned by the storage layer when a status change
// would violate the transition table.
type ErrInvalidTransition struct {
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}
