// Package storage defines the persistence contract for message state
// and provides an in-memory reference implementation along with a
// durable SQLite-backed one.
//
// Implementations must be safe for use from a single goroutine; the
// engine serializes access with its own lock.
package storage

import (
	"errors"

	"github.com/foxcpp/mailout/status"
)

// ErrNotFound is returned for lookups of unknown message IDs.
var ErrNotFound = errors.New("storage: message not found")

// Storage persists prepared messages and their delivery state.
type Storage interface {
	// Store saves a new message together with its initial state.
	Store(email *status.PreparedEmail, st *status.InternalMessageStatus) error

	// UpdateStatus replaces the stored state of an existing message.
	// Returns ErrNotFound if the message was never stored.
	UpdateStatus(st *status.InternalMessageStatus) error

	// Retrieve returns the message and its state.
	Retrieve(messageID string) (*status.PreparedEmail, *status.InternalMessageStatus, error)

	// RetrieveStatus returns the state only.
	RetrieveStatus(messageID string) (*status.InternalMessageStatus, error)

	// RetrieveAllIncomplete returns the state of every message with
	// delivery attempts remaining. Used by the worker to resume after
	// a restart. The worker zeroes the budget once every recipient
	// reaches a terminal result, so an exhausted budget is what marks
	// a message finished.
	RetrieveAllIncomplete() ([]*status.InternalMessageStatus, error)

	// RetrieveAllRecent returns the state of every message with
	// attempts remaining plus every finished message not yet observed
	// through this method. Finished messages are marked as observed,
	// so each shows up here exactly once.
	RetrieveAllRecent() ([]*status.InternalMessageStatus, error)
}
