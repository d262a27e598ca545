package status

// InternalRecipientStatus is the worker-side delivery state of a single
// recipient. Unlike RecipientStatus it carries the routing bookkeeping
// (resolved MX servers, SMTP form of the address) needed across
// delivery passes.
type InternalRecipientStatus struct {
	// Address as given by the submitter, display name included, used
	// in status reports.
	EmailAddr string `json:"email_addr"`

	// Address in the form passed to RCPT TO (A-label domain when the
	// destination does not announce SMTPUTF8).
	SMTPEmailAddr string `json:"smtp_email_addr"`

	// Domain part of the address, used for MX grouping.
	Domain string `json:"domain"`

	// MX exchange hostnames in preference order. Nil until the first
	// resolution; may be resolved and still empty if no exchange was
	// usable.
	MXServers []string `json:"mx_servers,omitempty"`

	// Index into MXServers of the exchange iteration start.
	CurrentMX int `json:"current_mx"`

	Result DeliveryResult `json:"result"`
}

// InternalMessageStatus is the worker-side delivery state of a message.
// Storage implementations persist it verbatim.
type InternalMessageStatus struct {
	MessageID  string                    `json:"message_id"`
	Recipients []InternalRecipientStatus `json:"recipients"`

	// Delivery passes the worker may still make for this message.
	AttemptsRemaining uint8 `json:"attempts_remaining"`
}

// AsMessageStatus converts the internal state into the externally
// visible form.
func (s *InternalMessageStatus) AsMessageStatus() *MessageStatus {
	out := &MessageStatus{
		MessageID:  s.MessageID,
		Recipients: make([]RecipientStatus, 0, len(s.Recipients)),
	}
	for _, rcpt := range s.Recipients {
		out.Recipients = append(out.Recipients, RecipientStatus{
			Recipient: rcpt.EmailAddr,
			Result:    rcpt.Result,
		})
	}
	return out
}

// Completed reports whether all recipients reached a terminal result.
func (s *InternalMessageStatus) Completed() bool {
	for _, rcpt := range s.Recipients {
		if !rcpt.Result.Completed() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy that shares no mutable state with s.
func (s *InternalMessageStatus) Clone() *InternalMessageStatus {
	out := &InternalMessageStatus{
		MessageID:         s.MessageID,
		Recipients:        make([]InternalRecipientStatus, len(s.Recipients)),
		AttemptsRemaining: s.AttemptsRemaining,
	}
	copy(out.Recipients, s.Recipients)
	for i, rcpt := range s.Recipients {
		if rcpt.MXServers != nil {
			out.Recipients[i].MXServers = make([]string, len(rcpt.MXServers))
			copy(out.Recipients[i].MXServers, rcpt.MXServers)
		}
	}
	return out
}
