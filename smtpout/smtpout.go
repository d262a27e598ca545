// Package smtpout implements the SMTP delivery adapter: it opens one
// session per destination server and attempts delivery for a group of
// recipients, translating every outcome into a status.DeliveryResult.
package smtpout

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxcpp/mailout/address"
	"github.com/foxcpp/mailout/exterrors"
	"github.com/foxcpp/mailout/log"
	"github.com/foxcpp/mailout/metrics"
	"github.com/foxcpp/mailout/status"
)

// Security is the STARTTLS policy applied to outgoing sessions.
type Security int

const (
	// SecurityNone never attempts STARTTLS.
	SecurityNone Security = iota
	// SecurityOpportunistic attempts a STARTTLS session and falls
	// back to plaintext when the upgrade fails.
	SecurityOpportunistic
	// SecurityRequired fails delivery if the session cannot be
	// upgraded.
	SecurityRequired
)

// ErrTLSRequired is reported when SecurityRequired is set but the
// target server does not announce the STARTTLS extension.
var ErrTLSRequired = fmt.Errorf("TLS is required for outgoing connections but target server doesn't support STARTTLS")

// Sender holds the session parameters shared by all deliveries.
type Sender struct {
	// Hostname is the name sent in EHLO.
	Hostname string

	// Port connected to on the destination server, 25 if zero.
	Port uint16

	Security  Security
	TLSConfig *tls.Config

	// Timeout applied to dialing and to each SMTP command.
	Timeout time.Duration

	// Credentials for relay authentication. No AUTH is attempted when
	// Username is empty. AuthMechanism is "plain" (default) or "login".
	AuthMechanism string
	Username      string
	Password      string

	// DialContext is used to establish connections, net.Dialer when
	// nil. Replaced in tests.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	Log log.Logger
}

// Deliver opens one SMTP session to server and attempts delivery of
// email to recipients (in their SMTP address form).
//
// The returned map has an entry for every recipient. Deferred results
// carry Attempts == 0, the caller owns attempt accounting.
func (s *Sender) Deliver(ctx context.Context, email *status.PreparedEmail, server string, recipients []string) map[string]status.DeliveryResult {
	results := make(map[string]status.DeliveryResult, len(recipients))
	fail := func(err error) map[string]status.DeliveryResult {
		result := classify(err)
		for _, rcpt := range recipients {
			results[rcpt] = result
		}
		return results
	}

	cl, err := s.connect(ctx, server)
	if err != nil {
		return fail(wrapClientErr(err, server))
	}
	defer cl.Close()
	metrics.SessionsOpened.Inc()

	mailOpts := &smtp.MailOptions{}
	if s.needUTF8(email, recipients) {
		if ok, _ := cl.Extension("SMTPUTF8"); ok {
			mailOpts.UTF8 = true
		}
	}

	if err := cl.Mail(email.From, mailOpts); err != nil {
		err = wrapClientErr(err, server)
		s.Log.Error("MAIL FROM failed", err, "from", email.From)
		return fail(err)
	}

	accepted := make([]string, 0, len(recipients))
	for _, rcpt := range recipients {
		if err := cl.Rcpt(rcpt, nil); err != nil {
			err = wrapClientErr(err, server)
			s.Log.Error("RCPT TO failed", err, "rcpt", rcpt)
			results[rcpt] = classify(err)
			continue
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		cl.Quit()
		return results
	}

	bodyW, err := cl.Data()
	if err == nil {
		if _, err = bodyW.Write(email.Message); err == nil {
			err = bodyW.Close()
		} else {
			bodyW.Close()
		}
	}
	if err != nil {
		err = wrapClientErr(err, server)
		s.Log.Error("DATA failed", err)
		result := classify(err)
		for _, rcpt := range accepted {
			results[rcpt] = result
		}
		return results
	}

	// The client does not expose the text of positive replies, so the
	// recorded response is synthesized from the accepting server name.
	response := "250 2.0.0 accepted by " + server
	for _, rcpt := range accepted {
		results[rcpt] = status.Delivered(response)
	}

	cl.Quit()
	return results
}

func (s *Sender) connect(ctx context.Context, server string) (*smtp.Client, error) {
	port := s.Port
	if port == 0 {
		port = 25
	}
	addr := net.JoinHostPort(server, strconv.Itoa(int(port)))

	cl, err := s.newClient(ctx, addr, server, s.Security != SecurityNone)
	if err != nil && s.Security == SecurityOpportunistic {
		s.Log.Msg("TLS session failed, falling back to plaintext",
			"server", addr, "reason", err.Error())
		cl, err = s.newClient(ctx, addr, server, false)
	}
	if err != nil {
		return nil, err
	}

	if s.Username != "" {
		var saslClient sasl.Client
		switch s.AuthMechanism {
		case "", "plain":
			saslClient = sasl.NewPlainClient("", s.Username, s.Password)
		case "login":
			saslClient = sasl.NewLoginClient(s.Username, s.Password)
		default:
			cl.Close()
			return nil, fmt.Errorf("smtpout: unknown auth mechanism: %v", s.AuthMechanism)
		}
		if err := cl.Auth(saslClient); err != nil {
			cl.Close()
			return nil, err
		}
	}

	s.Log.DebugMsg("connected", "server", addr)
	return cl, nil
}

// newClient dials addr and runs the session up to a completed EHLO.
// With useTLS set the session is upgraded via STARTTLS before the
// final EHLO; the certificate is verified against server.
func (s *Sender) newClient(ctx context.Context, addr, server string, useTLS bool) (*smtp.Client, error) {
	dial := s.DialContext
	if dial == nil {
		dialer := net.Dialer{Timeout: s.Timeout}
		dial = dialer.DialContext
	}
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		s.Log.Error("connection failed", err, "server", addr)
		return nil, err
	}

	var cl *smtp.Client
	if useTLS {
		cfg := s.TLSConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		cfg.MinVersion = tls.VersionTLS12
		cfg.ServerName = server

		// NewClientStartTLS greets, upgrades and leaves the session
		// ready for a fresh EHLO. It closes conn on failure.
		cl, err = smtp.NewClientStartTLS(conn, cfg)
		if err != nil {
			// A missing STARTTLS extension surfaces as a bare error,
			// translate it so that the policy violation stays
			// recognizable in status reports.
			if strings.Contains(err.Error(), "server doesn't support STARTTLS") {
				err = ErrTLSRequired
			}
			return nil, err
		}
	} else {
		cl = smtp.NewClient(conn)
	}
	cl.CommandTimeout = s.Timeout
	cl.SubmissionTimeout = s.Timeout

	if err := cl.Hello(s.Hostname); err != nil {
		cl.Close()
		return nil, err
	}
	return cl, nil
}

// wrapClientErr attaches the destination server to the error so that
// it shows up in log output without every call site repeating it.
func wrapClientErr(err error, serverName string) error {
	if err == nil {
		return nil
	}
	return exterrors.WithFields(err, map[string]interface{}{
		"target_server": serverName,
	})
}

func (s *Sender) needUTF8(email *status.PreparedEmail, recipients []string) bool {
	if !address.IsASCII(email.From) {
		return true
	}
	for _, rcpt := range recipients {
		if !address.IsASCII(rcpt) {
			return true
		}
	}
	return false
}
