package worker

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/go-mockdns"

	"github.com/foxcpp/mailout/smtpout"
	"github.com/foxcpp/mailout/status"
	"github.com/foxcpp/mailout/storage"
	"github.com/foxcpp/mailout/testutils"
)

func testMessage(id string, rcpts ...string) (*status.PreparedEmail, *status.InternalMessageStatus) {
	email := &status.PreparedEmail{
		From:      "sender@example.org",
		To:        rcpts,
		MessageID: id,
		Message:   []byte("Subject: test\r\n\r\nHello.\r\n"),
	}
	st := &status.InternalMessageStatus{
		MessageID:         id,
		AttemptsRemaining: 3,
	}
	for _, rcpt := range rcpts {
		domain := rcpt[strings.IndexByte(rcpt, '@')+1:]
		st.Recipients = append(st.Recipients, status.InternalRecipientStatus{
			EmailAddr:     rcpt,
			SMTPEmailAddr: rcpt,
			Domain:        domain,
			Result:        status.Queued(),
		})
	}
	return email, st
}

func portOf(t *testing.T, addr string) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return uint16(port)
}

type testWorker struct {
	store  *Store
	ctl    chan Control
	status *atomic.Uint32
}

func startWorker(t *testing.T, cfg Config) *testWorker {
	t.Helper()
	cfg.Log = testutils.Logger(t, "worker")
	if cfg.SMTPTimeout == 0 {
		cfg.SMTPTimeout = 5 * time.Second
	}
	if cfg.BaseResendDelay == 0 {
		cfg.BaseResendDelay = 50 * time.Millisecond
	}

	tw := &testWorker{
		store:  NewStore(storage.NewMemory()),
		ctl:    make(chan Control, 16),
		status: new(atomic.Uint32),
	}
	w := New(cfg, tw.store, tw.ctl, tw.status)
	go w.Run()
	t.Cleanup(func() {
		select {
		case tw.ctl <- Control{Kind: ControlTerminate}:
		default:
		}
	})

	tw.ctl <- Control{Kind: ControlStart}
	return tw
}

func (tw *testWorker) submit(t *testing.T, email *status.PreparedEmail, st *status.InternalMessageStatus) {
	t.Helper()
	if err := tw.store.Store(email, st); err != nil {
		t.Fatal(err)
	}
	tw.ctl <- Control{Kind: ControlSendEmail, MessageID: st.MessageID}
}

func (tw *testWorker) waitCompleted(t *testing.T, msgID string) *status.InternalMessageStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := tw.store.RetrieveStatus(msgID)
		if err != nil {
			t.Fatal(err)
		}
		if st.Completed() {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := tw.store.RetrieveStatus(msgID)
	t.Fatalf("message %v not completed in time: %+v", msgID, st)
	return nil
}

func TestWorker_RelayDelivery(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()

	tw := startWorker(t, Config{
		HeloName:    "client.example.org",
		RelayServer: "127.0.0.1",
		RelayPort:   portOf(t, addr),
	})

	email, st := testMessage("relay@localhost", "rcpt@example.com")
	tw.submit(t, email, st)

	final := tw.waitCompleted(t, "relay@localhost")
	res := final.Recipients[0].Result
	if res.State != status.StateDelivered {
		t.Fatalf("result = %+v, want delivered", res)
	}
	if !strings.Contains(res.Response, "250") {
		t.Errorf("response = %q, want a 250 reply", res.Response)
	}
	if final.AttemptsRemaining != 0 {
		t.Errorf("attempts remaining = %d, want 0 once every recipient is terminal", final.AttemptsRemaining)
	}
	be.CheckMsg(t, 0, "sender@example.org", []string{"rcpt@example.com"})
	testutils.CheckSMTPConnLeak(t, be)
}

func TestWorker_SingleSessionPerServer(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()

	tw := startWorker(t, Config{
		HeloName:    "client.example.org",
		RelayServer: "127.0.0.1",
		RelayPort:   portOf(t, addr),
	})

	email, st := testMessage("multi@localhost", "a@example.com", "b@example.com")
	tw.submit(t, email, st)

	final := tw.waitCompleted(t, "multi@localhost")
	for _, rcpt := range final.Recipients {
		if rcpt.Result.State != status.StateDelivered {
			t.Fatalf("%s: result = %+v", rcpt.EmailAddr, rcpt.Result)
		}
	}

	if cnt := be.SessionCount(); cnt != 1 {
		t.Errorf("server saw %d sessions, want 1", cnt)
	}
	be.CheckMsg(t, 0, "sender@example.org", []string{"a@example.com", "b@example.com"})
}

func TestWorker_TransientThenSuccess(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()
	be.DataErrs = []error{&smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 3, 2},
		Message:      "Try again later",
	}}

	tw := startWorker(t, Config{
		HeloName:    "client.example.org",
		RelayServer: "127.0.0.1",
		RelayPort:   portOf(t, addr),
	})

	email, st := testMessage("retry@localhost", "rcpt@example.com")
	tw.submit(t, email, st)

	final := tw.waitCompleted(t, "retry@localhost")
	res := final.Recipients[0].Result
	if res.State != status.StateDelivered {
		t.Fatalf("result = %+v, want delivered after retry", res)
	}
	if final.AttemptsRemaining != 0 {
		t.Errorf("attempts remaining = %d, want 0 once every recipient is terminal", final.AttemptsRemaining)
	}
}

func TestWorker_PermanentFailureNoRetry(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()
	be.RcptErr = map[string]error{
		"rcpt@example.com": &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such user",
		},
	}

	tw := startWorker(t, Config{
		HeloName:    "client.example.org",
		RelayServer: "127.0.0.1",
		RelayPort:   portOf(t, addr),
	})

	email, st := testMessage("reject@localhost", "rcpt@example.com")
	tw.submit(t, email, st)

	final := tw.waitCompleted(t, "reject@localhost")
	res := final.Recipients[0].Result
	if res.State != status.StateFailed {
		t.Fatalf("result = %+v, want failed", res)
	}
	if !strings.Contains(res.Reason, "550") {
		t.Errorf("reason = %q, want the 550 reply", res.Reason)
	}
	// Give a potential (wrong) retry a chance to show up.
	time.Sleep(200 * time.Millisecond)
	if cnt := be.SessionCount(); cnt != 1 {
		t.Errorf("server saw %d sessions, want 1 (no retry for permanent failure)", cnt)
	}
}

func TestWorker_ExhaustionRewrite(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()
	be.DataErr = &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 3, 2},
		Message:      "Still overloaded",
	}

	tw := startWorker(t, Config{
		HeloName:    "client.example.org",
		RelayServer: "127.0.0.1",
		RelayPort:   portOf(t, addr),
	})

	email, st := testMessage("exhaust@localhost", "rcpt@example.com")
	tw.submit(t, email, st)

	final := tw.waitCompleted(t, "exhaust@localhost")
	res := final.Recipients[0].Result
	if res.State != status.StateFailed {
		t.Fatalf("result = %+v, want failed", res)
	}
	if !strings.HasPrefix(res.Reason, "Too many attempts (3): ") {
		t.Errorf("reason = %q, want a Too many attempts rewrite", res.Reason)
	}
	if !strings.Contains(res.Reason, "421") {
		t.Errorf("reason = %q, want the last deferral reason embedded", res.Reason)
	}
	if final.AttemptsRemaining != 0 {
		t.Errorf("attempts remaining = %d, want 0", final.AttemptsRemaining)
	}
}

func TestWorker_DirectMXDelivery(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()

	resolver := &mockdns.Resolver{
		Zones: map[string]mockdns.Zone{
			"example.com.": {
				MX: []net.MX{
					{Host: "mx2.example.com.", Pref: 20},
					{Host: "mx1.example.com.", Pref: 10},
				},
			},
		},
	}

	tw := startWorker(t, Config{
		HeloName: "client.example.org",
		Resolver: resolver,
		SMTPPort: portOf(t, addr),
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			// All exchanges resolve to the test server.
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	})

	email, st := testMessage("direct@localhost", "rcpt@example.com")
	tw.submit(t, email, st)

	final := tw.waitCompleted(t, "direct@localhost")
	rcpt := final.Recipients[0]
	if rcpt.Result.State != status.StateDelivered {
		t.Fatalf("result = %+v, want delivered", rcpt.Result)
	}
	if len(rcpt.MXServers) != 2 || rcpt.MXServers[0] != "mx1.example.com" {
		t.Errorf("MXServers = %v, want preference order with mx1 first", rcpt.MXServers)
	}
	if rcpt.CurrentMX != 0 {
		t.Errorf("CurrentMX = %d, want 0", rcpt.CurrentMX)
	}
	be.CheckMsg(t, 0, "sender@example.org", []string{"rcpt@example.com"})
}

func TestWorker_ImplicitMXFallback(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()

	// No MX records for the domain at all.
	resolver := &mockdns.Resolver{
		Zones: map[string]mockdns.Zone{
			"example.com.": {A: []string{"192.0.2.1"}},
		},
	}

	tw := startWorker(t, Config{
		HeloName: "client.example.org",
		Resolver: resolver,
		SMTPPort: portOf(t, addr),
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	})

	email, st := testMessage("fallback@localhost", "rcpt@example.com")
	tw.submit(t, email, st)

	final := tw.waitCompleted(t, "fallback@localhost")
	rcpt := final.Recipients[0]
	if rcpt.Result.State != status.StateDelivered {
		t.Fatalf("result = %+v, want delivered", rcpt.Result)
	}
	if len(rcpt.MXServers) != 1 || rcpt.MXServers[0] != "example.com" {
		t.Errorf("MXServers = %v, want the domain itself", rcpt.MXServers)
	}
	_ = be
}

func TestWorker_ResumesIncompleteOnStartup(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()

	// Message stored before the worker ever runs, no SendEmail control
	// message is sent for it.
	backend := storage.NewMemory()
	email, st := testMessage("resume@localhost", "rcpt@example.com")
	if err := backend.Store(email, st); err != nil {
		t.Fatal(err)
	}

	tw := &testWorker{
		store:  NewStore(backend),
		ctl:    make(chan Control, 16),
		status: new(atomic.Uint32),
	}
	w := New(Config{
		HeloName:        "client.example.org",
		RelayServer:     "127.0.0.1",
		RelayPort:       portOf(t, addr),
		SMTPTimeout:     5 * time.Second,
		BaseResendDelay: 50 * time.Millisecond,
		Log:             testutils.Logger(t, "worker"),
	}, tw.store, tw.ctl, tw.status)
	go w.Run()
	defer func() { tw.ctl <- Control{Kind: ControlTerminate} }()
	tw.ctl <- Control{Kind: ControlStart}

	final := tw.waitCompleted(t, "resume@localhost")
	if final.Recipients[0].Result.State != status.StateDelivered {
		t.Fatalf("result = %+v, want delivered", final.Recipients[0].Result)
	}
	be.CheckMsg(t, 0, "sender@example.org", []string{"rcpt@example.com"})
}

func TestWorker_TerminateSetsStatus(t *testing.T) {
	tw := startWorker(t, Config{
		HeloName:    "client.example.org",
		RelayServer: "127.0.0.1",
		RelayPort:   2525,
	})

	tw.ctl <- Control{Kind: ControlTerminate}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if Status(tw.status.Load()) == StatusTerminated {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("worker status = %v, want terminated", Status(tw.status.Load()))
}

func TestWorker_MXFallthroughOnDefer(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()

	// Reserve a port and close the listener, connections to the first
	// exchange are refused.
	deadL, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := deadL.Addr().String()
	deadL.Close()

	resolver := &mockdns.Resolver{
		Zones: map[string]mockdns.Zone{
			"example.com.": {
				MX: []net.MX{
					{Host: "mx1.example.com.", Pref: 10},
					{Host: "mx2.example.com.", Pref: 20},
				},
			},
		},
	}

	tw := startWorker(t, Config{
		HeloName: "client.example.org",
		Resolver: resolver,
		DialContext: func(ctx context.Context, network, target string) (net.Conn, error) {
			host, _, _ := net.SplitHostPort(target)
			d := net.Dialer{Timeout: time.Second}
			if host == "mx1.example.com" {
				return d.DialContext(ctx, network, deadAddr)
			}
			return d.DialContext(ctx, network, addr)
		},
	})

	email, st := testMessage("fallthrough@localhost", "rcpt@example.com")
	tw.submit(t, email, st)

	final := tw.waitCompleted(t, "fallthrough@localhost")
	res := final.Recipients[0].Result
	if res.State != status.StateDelivered {
		t.Fatalf("result = %+v, want delivered through the second exchange", res)
	}
	if !strings.Contains(res.Response, "mx2.example.com") {
		t.Errorf("response = %q, want acceptance by mx2", res.Response)
	}
	if final.AttemptsRemaining != 0 {
		t.Errorf("attempts remaining = %d, want 0", final.AttemptsRemaining)
	}
	be.CheckMsg(t, 0, "sender@example.org", []string{"rcpt@example.com"})
}

func TestWorker_NoSessionPastDelivery(t *testing.T) {
	be, srv, addr := testutils.SMTPServer(t, "127.0.0.1:0")
	defer srv.Close()

	// mx2 must never be contacted once mx1 accepts.
	tarpit := testutils.FailOnConn(t, "127.0.0.1:0")
	defer tarpit.Close()

	resolver := &mockdns.Resolver{
		Zones: map[string]mockdns.Zone{
			"example.com.": {
				MX: []net.MX{
					{Host: "mx1.example.com.", Pref: 10},
					{Host: "mx2.example.com.", Pref: 20},
				},
			},
		},
	}

	tw := startWorker(t, Config{
		HeloName: "client.example.org",
		Resolver: resolver,
		DialContext: func(ctx context.Context, network, target string) (net.Conn, error) {
			host, _, _ := net.SplitHostPort(target)
			d := net.Dialer{Timeout: time.Second}
			if host == "mx1.example.com" {
				return d.DialContext(ctx, network, addr)
			}
			return d.DialContext(ctx, network, tarpit.Addr().String())
		},
	})

	email, st := testMessage("firstmx@localhost", "rcpt@example.com")
	tw.submit(t, email, st)

	final := tw.waitCompleted(t, "firstmx@localhost")
	if final.Recipients[0].Result.State != status.StateDelivered {
		t.Fatalf("result = %+v, want delivered", final.Recipients[0].Result)
	}
	be.CheckMsg(t, 0, "sender@example.org", []string{"rcpt@example.com"})
}

func TestWorker_ExitsOnStorageReadFailure(t *testing.T) {
	backend := storage.NewMemory()
	email, st := testMessage("fatal@localhost", "rcpt@example.com")
	if err := backend.Store(email, st); err != nil {
		t.Fatal(err)
	}

	tw := &testWorker{
		store:  NewStore(&readFailStorage{Storage: backend}),
		ctl:    make(chan Control, 16),
		status: new(atomic.Uint32),
	}
	w := New(Config{
		HeloName:    "client.example.org",
		RelayServer: "127.0.0.1",
		RelayPort:   2525,
		Log:         testutils.Logger(t, "worker"),
	}, tw.store, tw.ctl, tw.status)

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()
	tw.ctl <- Control{Kind: ControlStart}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept running after a storage failure")
	}
	if s := Status(tw.status.Load()); s != StatusStorageReadFailed {
		t.Errorf("status = %v, want storage read failed", s)
	}
}

type readFailStorage struct {
	storage.Storage
}

func (s *readFailStorage) Retrieve(string) (*status.PreparedEmail, *status.InternalMessageStatus, error) {
	return nil, nil, errors.New("I/O error")
}

func TestWorker_DuplicateScheduleCollapses(t *testing.T) {
	w := &Worker{Log: testutils.Logger(t, "worker")}
	now := time.Now()

	w.scheduleTask("dup@localhost", now)
	w.scheduleTask("dup@localhost", now.Add(time.Second))
	w.scheduleTask("other@localhost", now)

	if w.tasks.Len() != 2 {
		t.Fatalf("tasks queued = %d, want 2 (one per message)", w.tasks.Len())
	}
}

func TestNew_RelaySecurityMapping(t *testing.T) {
	newWorker := func(cfg Config) *Worker {
		cfg.Log = testutils.Logger(t, "worker")
		return New(cfg, NewStore(storage.NewMemory()), nil, new(atomic.Uint32))
	}

	w := newWorker(Config{RelayServer: "relay.example.org"})
	if w.sender.Security != smtpout.SecurityNone {
		t.Errorf("security = %v, want none without use_tls", w.sender.Security)
	}

	w = newWorker(Config{RelayServer: "relay.example.org", RelayUseTLS: true})
	if w.sender.Security != smtpout.SecurityRequired {
		t.Errorf("security = %v, want required with use_tls", w.sender.Security)
	}
}

func TestPlanPass_DeferralCap(t *testing.T) {
	w := &Worker{Log: testutils.Logger(t, "worker")}
	st := &status.InternalMessageStatus{
		MessageID: "cap@localhost",
		Recipients: []status.InternalRecipientStatus{{
			EmailAddr:     "rcpt@example.com",
			SMTPEmailAddr: "rcpt@example.com",
			Domain:        "example.com",
			MXServers:     []string{"mx.example.com"},
			Result:        status.Deferred(5, "greylisted"),
		}},
		AttemptsRemaining: 2,
	}

	steps := w.planPass(context.Background(), st)

	if len(steps) != 0 {
		t.Fatalf("steps = %+v, want none for a capped recipient", steps)
	}
	res := st.Recipients[0].Result
	if res.State != status.StateFailed {
		t.Fatalf("result = %+v, want failed at the deferral cap", res)
	}
	if res.Reason != "Failed after 5 attempts: greylisted" {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestPlanPass_FromCurrentMXOnward(t *testing.T) {
	w := &Worker{Log: testutils.Logger(t, "worker")}
	st := &status.InternalMessageStatus{
		MessageID: "plan@localhost",
		Recipients: []status.InternalRecipientStatus{{
			EmailAddr:     "rcpt@example.com",
			SMTPEmailAddr: "rcpt@example.com",
			Domain:        "example.com",
			MXServers:     []string{"mx1.example.com", "mx2.example.com", "mx3.example.com"},
			CurrentMX:     1,
			Result:        status.Queued(),
		}},
		AttemptsRemaining: 3,
	}

	steps := w.planPass(context.Background(), st)

	if len(steps) != 2 {
		t.Fatalf("steps = %+v, want one per exchange from the current one", steps)
	}
	if steps[0].server != "mx2.example.com" || steps[1].server != "mx3.example.com" {
		t.Errorf("step order = [%v %v], want mx2 then mx3", steps[0].server, steps[1].server)
	}
}
