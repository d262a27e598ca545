package status

// PreparedEmail is a message in the exact form the engine will transmit:
// Bcc header removed, Message-ID guaranteed, plus the SMTP envelope
// derived from the headers.
type PreparedEmail struct {
	// Envelope sender (MAIL FROM).
	From string `json:"from"`

	// Recipients in the form they were written in, display name
	// included, deduplicated. The bare addr-spec used for RCPT TO is
	// derived per recipient in InternalRecipientStatus.
	To []string `json:"to"`

	MessageID string `json:"message_id"`

	// Serialized RFC 5322 message as it goes on the wire.
	Message []byte `json:"message"`
}

// Clone returns a deep copy that shares no mutable state with e.
func (e *PreparedEmail) Clone() *PreparedEmail {
	out := &PreparedEmail{
		From:      e.From,
		To:        make([]string, len(e.To)),
		MessageID: e.MessageID,
		Message:   make([]byte, len(e.Message)),
	}
	copy(out.To, e.To)
	copy(out.Message, e.Message)
	return out
}
