// Package status defines the delivery state model shared by the engine,
// the worker and storage implementations.
//
// All types are JSON-serializable so that storage backends can persist
// them without knowing their structure.
package status

import "fmt"

// State is the name of the delivery state a recipient is in.
//
// The set of states is closed: a recipient is always in exactly one of
// them and code switching on State does not need a default case for
// unknown values.
type State string

const (
	// StateQueued means delivery has not been attempted yet.
	StateQueued State = "queued"
	// StateDeferred means delivery failed transiently and will be retried.
	StateDeferred State = "deferred"
	// StateDelivered means the message was accepted by the destination.
	StateDelivered State = "delivered"
	// StateFailed means delivery failed permanently and will not be retried.
	StateFailed State = "failed"
)

// DeliveryResult is the per-recipient delivery outcome.
//
// Only the fields relevant to the current State are set: Attempts and
// Reason for StateDeferred, Response for StateDelivered, Reason for
// StateFailed. Use the constructors instead of filling the struct
// directly.
type DeliveryResult struct {
	State State `json:"state"`

	// Number of delivery attempts made so far (StateDeferred only).
	Attempts uint8 `json:"attempts,omitempty"`

	// Human-readable explanation of the failure (StateDeferred and
	// StateFailed).
	Reason string `json:"reason,omitempty"`

	// SMTP reply recorded on acceptance (StateDelivered only).
	Response string `json:"response,omitempty"`
}

func Queued() DeliveryResult {
	return DeliveryResult{State: StateQueued}
}

func Deferred(attempts uint8, reason string) DeliveryResult {
	return DeliveryResult{State: StateDeferred, Attempts: attempts, Reason: reason}
}

func Delivered(response string) DeliveryResult {
	return DeliveryResult{State: StateDelivered, Response: response}
}

func Failed(reason string) DeliveryResult {
	return DeliveryResult{State: StateFailed, Reason: reason}
}

// Completed reports whether the result is terminal, that is, whether
// the engine will make no further delivery attempts for the recipient.
func (r DeliveryResult) Completed() bool {
	return r.State == StateDelivered || r.State == StateFailed
}

func (r DeliveryResult) String() string {
	switch r.State {
	case StateQueued:
		return "queued"
	case StateDeferred:
		return fmt.Sprintf("deferred after %d attempts: %s", r.Attempts, r.Reason)
	case StateDelivered:
		return fmt.Sprintf("delivered: %s", r.Response)
	case StateFailed:
		return fmt.Sprintf("failed: %s", r.Reason)
	}
	return string(r.State)
}
