package smtpout

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/foxcpp/mailout/status"
	"github.com/foxcpp/mailout/testutils"
)

var testEmail = &status.PreparedEmail{
	From:      "sender@example.org",
	To:        []string{"rcpt1@example.invalid", "rcpt2@example.invalid"},
	MessageID: "test@localhost",
	Message:   []byte("From: sender@example.org\r\nSubject: test\r\n\r\nHello.\r\n"),
}

func testSender(t *testing.T, addr string) *Sender {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return &Sender{
		Hostname: "client.example.org",
		Port:     uint16(port),
		Timeout:  5 * time.Second,
		Log:      testutils.Logger(t, "smtpout"),
	}
}

func TestDeliver_AllAccepted(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()

	sender := testSender(t, addr)
	results := sender.Deliver(context.Background(), testEmail, "127.0.0.1", testEmail.To)

	for _, rcpt := range testEmail.To {
		res := results[rcpt]
		if res.State != status.StateDelivered {
			t.Fatalf("%s: result = %v, want delivered", rcpt, res)
		}
		if res.Response != "250 2.0.0 accepted by 127.0.0.1" {
			t.Errorf("%s: response = %q", rcpt, res.Response)
		}
	}

	be.CheckMsg(t, 0, "sender@example.org", testEmail.To)
	if cnt := be.SessionCount(); cnt != 1 {
		t.Errorf("sessions = %d, want 1", cnt)
	}
	testutils.CheckSMTPConnLeak(t, be)
}

func TestDeliver_PerRecipientReject(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()
	be.RcptErr = map[string]error{
		"rcpt2@example.invalid": &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "User does not exist",
		},
	}

	sender := testSender(t, addr)
	results := sender.Deliver(context.Background(), testEmail, "127.0.0.1", testEmail.To)

	if res := results["rcpt1@example.invalid"]; res.State != status.StateDelivered {
		t.Errorf("rcpt1: result = %v, want delivered", res)
	}
	res := results["rcpt2@example.invalid"]
	if res.State != status.StateFailed {
		t.Fatalf("rcpt2: result = %v, want failed", res)
	}
	if res.Reason != "550 User does not exist" {
		t.Errorf("rcpt2: reason = %q", res.Reason)
	}

	be.CheckMsg(t, 0, "sender@example.org", []string{"rcpt1@example.invalid"})
}

func TestDeliver_TransientMailErr(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()
	be.MailErr = &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 3, 2},
		Message:      "Service not available",
	}

	sender := testSender(t, addr)
	results := sender.Deliver(context.Background(), testEmail, "127.0.0.1", testEmail.To)

	for _, rcpt := range testEmail.To {
		res := results[rcpt]
		if res.State != status.StateDeferred {
			t.Fatalf("%s: result = %v, want deferred", rcpt, res)
		}
		if res.Reason != "421 Service not available" {
			t.Errorf("%s: reason = %q", rcpt, res.Reason)
		}
	}
}

func TestDeliver_ConnectionRefused(t *testing.T) {
	// Reserve a port and close the listener so nothing accepts on it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	sender := testSender(t, addr)
	results := sender.Deliver(context.Background(), testEmail, "127.0.0.1", testEmail.To)

	for _, rcpt := range testEmail.To {
		if res := results[rcpt]; res.State != status.StateDeferred {
			t.Errorf("%s: result = %v, want deferred", rcpt, res)
		}
	}
}

func TestDeliver_STARTTLS(t *testing.T) {
	clientCfg, be, srv, addr := testutils.SMTPServerSTARTTLS(t, "127.0.0.1:0")
	defer srv.Close()

	sender := testSender(t, addr)
	sender.Security = SecurityRequired
	sender.TLSConfig = clientCfg
	// The certificate is issued for *.example.invalid, so deliver to
	// that name but dial the test listener.
	sender.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, network, addr)
	}

	results := sender.Deliver(context.Background(), testEmail, "mx.example.invalid", testEmail.To)

	for _, rcpt := range testEmail.To {
		if res := results[rcpt]; res.State != status.StateDelivered {
			t.Fatalf("%s: result = %v, want delivered", rcpt, res)
		}
	}
	be.CheckMsg(t, 0, "sender@example.org", testEmail.To)
	testutils.CheckSMTPConnLeak(t, be)
}

func TestDeliver_RequiredTLSNotOffered(t *testing.T) {
	_, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()

	sender := testSender(t, addr)
	sender.Security = SecurityRequired

	results := sender.Deliver(context.Background(), testEmail, "127.0.0.1", testEmail.To)

	for _, rcpt := range testEmail.To {
		res := results[rcpt]
		if res.State != status.StateFailed {
			t.Fatalf("%s: result = %v, want failed", rcpt, res)
		}
		if !strings.Contains(res.Reason, "STARTTLS") {
			t.Errorf("%s: reason = %q, want the TLS policy failure", rcpt, res.Reason)
		}
	}
}

func TestDeliver_OpportunisticFallsBack(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()

	sender := testSender(t, addr)
	sender.Security = SecurityOpportunistic

	results := sender.Deliver(context.Background(), testEmail, "127.0.0.1", testEmail.To)

	for _, rcpt := range testEmail.To {
		if res := results[rcpt]; res.State != status.StateDelivered {
			t.Fatalf("%s: result = %v, want delivered", rcpt, res)
		}
	}
	be.CheckMsg(t, 0, "sender@example.org", testEmail.To)
}

func TestDeliver_RelayAuth(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()
	be.AuthUser = "relayuser"
	be.AuthPass = "relaypass"

	sender := testSender(t, addr)
	sender.Username = "relayuser"
	sender.Password = "relaypass"

	results := sender.Deliver(context.Background(), testEmail, "127.0.0.1", testEmail.To)

	for _, rcpt := range testEmail.To {
		if res := results[rcpt]; res.State != status.StateDelivered {
			t.Fatalf("%s: result = %v, want delivered", rcpt, res)
		}
	}
	if be.Messages[0].AuthUser != "relayuser" {
		t.Errorf("message recorded without authentication")
	}
}

func TestDeliver_BadCredentials(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()
	be.AuthUser = "relayuser"
	be.AuthPass = "relaypass"

	sender := testSender(t, addr)
	sender.Username = "relayuser"
	sender.Password = "wrong"

	results := sender.Deliver(context.Background(), testEmail, "127.0.0.1", testEmail.To)

	for _, rcpt := range testEmail.To {
		if res := results[rcpt]; res.State != status.StateFailed {
			t.Errorf("%s: result = %v, want failed", rcpt, res)
		}
	}
}
