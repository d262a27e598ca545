// Package worker implements the background delivery loop: a single
// goroutine that owns the task queue, performs delivery passes and
// persists every state change.
package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/foxcpp/mailout/dns"
	"github.com/foxcpp/mailout/log"
	"github.com/foxcpp/mailout/metrics"
	"github.com/foxcpp/mailout/smtpout"
	"github.com/foxcpp/mailout/status"
	"github.com/foxcpp/mailout/storage"
)

// Status is the health indicator published by the worker. It is stored
// in an atomic shared with the embedder, which may poll it at any time.
type Status uint8

const (
	StatusOk                     Status = 0
	StatusTerminated             Status = 1
	StatusChannelDisconnected    Status = 2
	StatusLockPoisoned           Status = 3
	StatusStorageWriteFailed     Status = 4
	StatusStorageReadFailed      Status = 5
	StatusResolverCreationFailed Status = 6
	StatusUnknown                Status = 255
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusTerminated:
		return "terminated"
	case StatusChannelDisconnected:
		return "channel disconnected"
	case StatusLockPoisoned:
		return "lock poisoned"
	case StatusStorageWriteFailed:
		return "storage write failed"
	case StatusStorageReadFailed:
		return "storage read failed"
	case StatusResolverCreationFailed:
		return "resolver creation failed"
	}
	return "unknown"
}

// ControlKind discriminates messages sent to the worker over its
// control channel.
type ControlKind int

const (
	// ControlStart unpauses the worker. The worker starts paused so
	// that the embedder can finish initialization first.
	ControlStart ControlKind = iota
	// ControlSendEmail schedules an immediate delivery attempt for
	// MessageID.
	ControlSendEmail
	// ControlTerminate stops the worker.
	ControlTerminate
)

type Control struct {
	Kind      ControlKind
	MessageID string
}

// loopDelay bounds how long the worker sleeps when no task is due and
// nothing arrives on the control channel.
const loopDelay = 10 * time.Second

// passBudget is the number of delivery passes made for a message
// before its remaining recipients are failed.
const passBudget = 3

// deferralCap is the per-recipient limit of deferred attempts.
const deferralCap = 5

// Config carries the delivery parameters the worker needs. Exactly one
// of relay mode (RelayServer set) or direct MX mode (Resolver set) is
// used.
type Config struct {
	HeloName        string
	SMTPTimeout     time.Duration
	BaseResendDelay time.Duration
	RequireTLS      bool

	// Relay mode.
	RelayServer   string
	RelayPort     uint16
	RelayUseTLS   bool
	AuthMechanism string
	Username      string
	Password      string

	// Direct MX mode.
	Resolver dns.Resolver

	// SMTPPort overrides the destination port for direct deliveries.
	// Zero means 25. Tests point it at a local listener.
	SMTPPort uint16

	TLSConfig   *tls.Config
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	Log log.Logger
}

type Worker struct {
	cfg    Config
	store  *Store
	ctl    <-chan Control
	status *atomic.Uint32

	sender *smtpout.Sender
	tasks  taskList
	paused bool

	Log log.Logger
}

func New(cfg Config, store *Store, ctl <-chan Control, workerStatus *atomic.Uint32) *Worker {
	sender := &smtpout.Sender{
		Hostname:    cfg.HeloName,
		Timeout:     cfg.SMTPTimeout,
		TLSConfig:   cfg.TLSConfig,
		DialContext: cfg.DialContext,
		Log:         cfg.Log,
	}
	if cfg.RelayServer != "" {
		sender.Port = cfg.RelayPort
		sender.AuthMechanism = cfg.AuthMechanism
		sender.Username = cfg.Username
		sender.Password = cfg.Password
		if cfg.RelayUseTLS {
			sender.Security = smtpout.SecurityRequired
		} else {
			sender.Security = smtpout.SecurityNone
		}
	} else {
		sender.Port = cfg.SMTPPort
		if cfg.RequireTLS {
			sender.Security = smtpout.SecurityRequired
		} else {
			sender.Security = smtpout.SecurityOpportunistic
		}
	}

	workerStatus.Store(uint32(StatusOk))
	return &Worker{
		cfg:    cfg,
		store:  store,
		ctl:    ctl,
		status: workerStatus,
		sender: sender,
		paused: true,
		Log:    cfg.Log,
	}
}

func (w *Worker) setStatus(s Status) {
	w.status.Store(uint32(s))
}

// Run executes the worker loop until termination. It is meant to be
// started in its own goroutine.
//
// On startup all incomplete messages found in storage are scheduled for
// an immediate attempt, so delivery resumes after a restart.
func (w *Worker) Run() {
	incomplete, err := w.store.RetrieveAllIncomplete()
	if err != nil {
		w.Log.Error("cannot resume incomplete deliveries", err)
		w.setStatus(StatusStorageReadFailed)
		return
	}
	now := time.Now()
	for _, st := range incomplete {
		w.scheduleTask(st.MessageID, now)
	}
	metrics.QueuedTasks.Set(float64(w.tasks.Len()))

	for {
		timeout := loopDelay
		if next, ok := w.tasks.NextDue(); ok && !w.paused {
			until := time.Until(next.DueAt)
			if until < 0 {
				until = 0
			}
			if until < timeout {
				timeout = until
			}
		}

		select {
		case ctl, ok := <-w.ctl:
			if !ok {
				w.setStatus(StatusChannelDisconnected)
				return
			}
			switch ctl.Kind {
			case ControlStart:
				w.paused = false
			case ControlTerminate:
				w.setStatus(StatusTerminated)
				return
			case ControlSendEmail:
				w.scheduleTask(ctl.MessageID, time.Now())
			}
		case <-time.After(timeout):
		}

		if w.paused {
			continue
		}
		for _, task := range w.tasks.PopDue(time.Now()) {
			w.handleTask(task)
			if s := Status(w.status.Load()); s != StatusOk {
				w.Log.Msg("stopping on fatal status", "status", s)
				return
			}
		}
		metrics.QueuedTasks.Set(float64(w.tasks.Len()))
	}
}

func (w *Worker) handleTask(task Task) {
	email, st, err := w.store.Retrieve(task.MessageID)
	if err == storage.ErrNotFound {
		w.Log.Msg("dropping task for unknown message", "msg_id", task.MessageID)
		return
	}
	if err != nil {
		w.Log.Error("cannot retrieve message", err, "msg_id", task.MessageID)
		w.setStatus(StatusStorageReadFailed)
		return
	}

	w.sendEmail(email, st)

	if err := w.store.UpdateStatus(st); err != nil {
		w.Log.Error("cannot persist delivery state", err, "msg_id", st.MessageID)
		w.setStatus(StatusStorageWriteFailed)
	}
}

// planStep is one SMTP session the pass intends to make: a destination
// server and the indexes of the recipients routed through it.
type planStep struct {
	server string
	rcpts  []int
}

// sendEmail performs one delivery pass over the message: plans which
// servers to contact, attempts delivery one session per server in plan
// order and updates per-recipient results. A pass that leaves every
// recipient with a terminal result zeroes the remaining budget;
// otherwise the budget is decremented and a retry task is scheduled.
func (w *Worker) sendEmail(email *status.PreparedEmail, st *status.InternalMessageStatus) {
	metrics.WorkerPasses.Inc()

	if st.AttemptsRemaining == 0 {
		// Should not happen, tasks are not scheduled for exhausted
		// messages. Make sure the state is terminal anyway.
		w.failRemaining(st)
		return
	}

	ctx := context.Background()

	for _, step := range w.planPass(ctx, st) {
		// Rebuild the recipient set at execution time: an earlier step
		// may have delivered to some of them already (the same
		// recipient is planned onto every exchange from its current
		// one onward, so a deferral falls through to the next server).
		indexes := make([]int, 0, len(step.rcpts))
		rcptAddrs := make([]string, 0, len(step.rcpts))
		for _, i := range step.rcpts {
			if st.Recipients[i].Result.Completed() {
				continue
			}
			indexes = append(indexes, i)
			rcptAddrs = append(rcptAddrs, st.Recipients[i].SMTPEmailAddr)
		}
		if len(rcptAddrs) == 0 {
			continue
		}

		w.Log.DebugMsg("delivery attempt", "msg_id", st.MessageID, "server", step.server, "rcpts", len(rcptAddrs))
		results := w.sender.Deliver(ctx, email, step.server, rcptAddrs)

		for _, i := range indexes {
			rcpt := &st.Recipients[i]
			result, ok := results[rcpt.SMTPEmailAddr]
			if !ok {
				continue
			}
			w.recordResult(st.MessageID, rcpt, result)
		}
	}

	if st.Completed() {
		st.AttemptsRemaining = 0
		return
	}

	st.AttemptsRemaining--
	if st.AttemptsRemaining == 0 {
		w.failRemaining(st)
		return
	}

	delay := resendDelay(w.cfg.BaseResendDelay, st.AttemptsRemaining)
	w.Log.DebugMsg("delivery deferred", "msg_id", st.MessageID, "next_attempt_in", delay)
	w.scheduleTask(st.MessageID, time.Now().Add(delay))
}

// planPass decides which servers this pass contacts and which
// recipients ride on each session. In relay mode there is a single
// step covering every pending recipient. In direct mode MX discovery
// runs once per recipient (reused by later passes) and the recipient
// is added to a step for every exchange from its current one onward.
//
// Recipients over the deferral cap are failed here instead of being
// planned.
func (w *Worker) planPass(ctx context.Context, st *status.InternalMessageStatus) []planStep {
	var steps []planStep
	stepIndx := map[string]int{}
	add := func(server string, rcpt int) {
		i, ok := stepIndx[server]
		if !ok {
			i = len(steps)
			stepIndx[server] = i
			steps = append(steps, planStep{server: server})
		}
		steps[i].rcpts = append(steps[i].rcpts, rcpt)
	}

	for i := range st.Recipients {
		rcpt := &st.Recipients[i]
		if rcpt.Result.Completed() {
			continue
		}

		if w.cfg.RelayServer != "" {
			add(w.cfg.RelayServer, i)
			continue
		}

		if rcpt.Result.State == status.StateDeferred && rcpt.Result.Attempts >= deferralCap {
			rcpt.Result = status.Failed(fmt.Sprintf("Failed after %d attempts: %s", rcpt.Result.Attempts, rcpt.Result.Reason))
			metrics.Deliveries.WithLabelValues("failed").Inc()
			w.Log.Msg("delivery failed", "msg_id", st.MessageID, "rcpt", rcpt.EmailAddr, "reason", rcpt.Result.Reason)
			continue
		}

		if rcpt.MXServers == nil {
			rcpt.MXServers = dns.ResolveMX(ctx, w.cfg.Resolver, rcpt.Domain)
		}
		if len(rcpt.MXServers) == 0 {
			rcpt.Result = status.Failed("MX records found but none are valid")
			metrics.Deliveries.WithLabelValues("failed").Inc()
			continue
		}

		start := rcpt.CurrentMX
		if start >= len(rcpt.MXServers) {
			start = 0
		}
		for _, server := range rcpt.MXServers[start:] {
			add(server, i)
		}
	}
	return steps
}

// scheduleTask queues a delivery attempt unless one is already queued
// for the message. A duplicate task would cost the message one pass of
// its budget without doing any work.
func (w *Worker) scheduleTask(msgID string, due time.Time) {
	if w.tasks.ContainsMessage(msgID) {
		return
	}
	w.tasks.Insert(Task{DueAt: due, MessageID: msgID})
}

func (w *Worker) recordResult(msgID string, rcpt *status.InternalRecipientStatus, result status.DeliveryResult) {
	switch result.State {
	case status.StateDelivered:
		rcpt.Result = result
		metrics.Deliveries.WithLabelValues("delivered").Inc()
		w.Log.Msg("delivered", "msg_id", msgID, "rcpt", rcpt.EmailAddr)
	case status.StateFailed:
		rcpt.Result = result
		metrics.Deliveries.WithLabelValues("failed").Inc()
		w.Log.Msg("delivery failed", "msg_id", msgID, "rcpt", rcpt.EmailAddr, "reason", result.Reason)
	case status.StateDeferred:
		attempts := uint8(1)
		if rcpt.Result.State == status.StateDeferred {
			attempts = rcpt.Result.Attempts + 1
		}
		rcpt.Result = status.Deferred(attempts, result.Reason)
		metrics.Deliveries.WithLabelValues("deferred").Inc()
		w.Log.Msg("delivery deferred", "msg_id", msgID, "rcpt", rcpt.EmailAddr, "reason", result.Reason, "attempts", attempts)
	}
}

// failRemaining turns every non-terminal recipient result into a
// failure once the pass budget is exhausted.
func (w *Worker) failRemaining(st *status.InternalMessageStatus) {
	for i := range st.Recipients {
		rcpt := &st.Recipients[i]
		if rcpt.Result.Completed() {
			continue
		}

		reason := "delivery was not attempted"
		attempts := uint8(0)
		if rcpt.Result.State == status.StateDeferred {
			reason = rcpt.Result.Reason
			attempts = rcpt.Result.Attempts
		}
		rcpt.Result = status.Failed(fmt.Sprintf("Too many attempts (%d): %s", attempts, reason))
		metrics.Deliveries.WithLabelValues("failed").Inc()
		w.Log.Msg("delivery failed", "msg_id", st.MessageID, "rcpt", rcpt.EmailAddr, "reason", rcpt.Result.Reason)
	}
}

// resendDelay implements exponential backoff: base for the first
// retry, then three times longer for each following one.
func resendDelay(base time.Duration, attemptsRemaining uint8) time.Duration {
	if base == 0 {
		base = time.Minute
	}
	triesCount := passBudget - int(attemptsRemaining)
	delay := base
	for i := 1; i < triesCount; i++ {
		delay *= 3
	}
	return delay
}
