package status

// RecipientStatus is the externally visible delivery state of a single
// recipient.
type RecipientStatus struct {
	Recipient string         `json:"recipient"`
	Result    DeliveryResult `json:"result"`
}

// MessageStatus is the externally visible delivery state of a message,
// as returned by the engine's status queries.
type MessageStatus struct {
	MessageID  string            `json:"message_id"`
	Recipients []RecipientStatus `json:"recipients"`
}

// Completed reports whether delivery processing has finished for all
// recipients, successfully or not.
func (s *MessageStatus) Completed() bool {
	for _, rcpt := range s.Recipients {
		if !rcpt.Result.Completed() {
			return false
		}
	}
	return true
}

// Succeeded reports whether the message was delivered to all recipients.
func (s *MessageStatus) Succeeded() bool {
	for _, rcpt := range s.Recipients {
		if rcpt.Result.State != StateDelivered {
			return false
		}
	}
	return true
}
