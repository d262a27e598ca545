// Package prepare turns a submitted RFC 5322 message into the exact
// form the engine will transmit and derives the initial delivery state
// for it.
package prepare

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/foxcpp/mailout/address"
	"github.com/foxcpp/mailout/status"
)

// Prepare parses raw as an RFC 5322 message and returns the message as
// it will be transmitted together with the initial per-recipient state.
//
// Envelope recipients are collected from the To, Cc and Bcc header
// fields (groups are flattened, duplicates are dropped keeping the
// first occurrence). The Bcc field is removed from the transmitted
// form. A Message-ID is generated as <uuid@heloName> if the message
// does not carry one.
//
// The envelope sender is the Sender field if present, otherwise the
// first From address.
func Prepare(raw []byte, heloName string) (*status.PreparedEmail, *status.InternalMessageStatus, error) {
	bodyR := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(bodyR)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare: malformed header: %w", err)
	}

	addrs, err := collectRecipients(hdr)
	if err != nil {
		return nil, nil, err
	}
	if len(addrs) == 0 {
		return nil, nil, fmt.Errorf("prepare: no recipients in To, Cc or Bcc")
	}

	// Recipients are tracked in the form they were written in,
	// including the display name; the bare addr-spec is only used on
	// the wire.
	recipients := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if addr.Name != "" {
			recipients = append(recipients, addr.String())
		} else {
			recipients = append(recipients, addr.Address)
		}
	}

	from, err := envelopeSender(hdr)
	if err != nil {
		return nil, nil, err
	}
	if !address.Valid(from) {
		return nil, nil, fmt.Errorf("prepare: invalid sender address: %v", from)
	}

	// Blind-carbon-copy recipients stay in the envelope only.
	hdr.Del("Bcc")

	msgID := strings.Trim(strings.TrimSpace(hdr.Get("Message-Id")), "<>")
	if msgID == "" {
		msgID = uuid.New().String() + "@" + heloName
		hdr.Set("Message-Id", "<"+msgID+">")
	}

	var msg bytes.Buffer
	if err := textproto.WriteHeader(&msg, hdr); err != nil {
		return nil, nil, fmt.Errorf("prepare: %w", err)
	}
	if _, err := io.Copy(&msg, bodyR); err != nil {
		return nil, nil, fmt.Errorf("prepare: %w", err)
	}

	prepared := &status.PreparedEmail{
		From:      from,
		To:        recipients,
		MessageID: msgID,
		Message:   msg.Bytes(),
	}

	internal := &status.InternalMessageStatus{
		MessageID:         msgID,
		Recipients:        make([]status.InternalRecipientStatus, 0, len(recipients)),
		AttemptsRemaining: 3,
	}
	for i, addr := range addrs {
		smtpAddr, err := address.ToASCII(addr.Address)
		if err != nil {
			// Unicode local-part, send as-is and rely on SMTPUTF8.
			smtpAddr = addr.Address
		}
		_, domain, err := address.Split(smtpAddr)
		if err != nil || domain == "" {
			return nil, nil, fmt.Errorf("prepare: recipient without a domain: %v", addr.Address)
		}
		internal.Recipients = append(internal.Recipients, status.InternalRecipientStatus{
			EmailAddr:     recipients[i],
			SMTPEmailAddr: smtpAddr,
			Domain:        strings.ToLower(domain),
			Result:        status.Queued(),
		})
	}

	return prepared, internal, nil
}

func collectRecipients(hdr textproto.Header) ([]*mail.Address, error) {
	var recipients []*mail.Address
	seen := map[string]struct{}{}

	for _, key := range [...]string{"To", "Cc", "Bcc"} {
		for fields := hdr.FieldsByKey(key); fields.Next(); {
			value := fields.Value()
			if strings.TrimSpace(value) == "" {
				continue
			}

			// Groups are flattened by the parser, group names and
			// comments are dropped.
			addrs, err := mail.ParseAddressList(value)
			if err != nil {
				return nil, fmt.Errorf("prepare: invalid address in %v: %w", key, err)
			}
			for _, addr := range addrs {
				if !address.Valid(addr.Address) {
					return nil, fmt.Errorf("prepare: invalid address in %v: %v", key, addr.Address)
				}
				lookupKey, _ := address.ForLookup(addr.Address)
				if _, ok := seen[lookupKey]; ok {
					continue
				}
				seen[lookupKey] = struct{}{}
				recipients = append(recipients, addr)
			}
		}
	}

	return recipients, nil
}

func envelopeSender(hdr textproto.Header) (string, error) {
	if sender := hdr.Get("Sender"); sender != "" {
		addr, err := mail.ParseAddress(sender)
		if err != nil {
			return "", fmt.Errorf("prepare: invalid Sender: %w", err)
		}
		return addr.Address, nil
	}

	fromHdr := hdr.Get("From")
	if fromHdr == "" {
		return "", fmt.Errorf("prepare: missing From header field")
	}
	addrs, err := mail.ParseAddressList(fromHdr)
	if err != nil {
		return "", fmt.Errorf("prepare: invalid From: %w", err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("prepare: empty From header field")
	}
	return addrs[0].Address, nil
}
