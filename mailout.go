// Package mailout is an embeddable engine for sending email to
// recipients across the Internet. Messages are submitted as raw RFC
// 5322 data; the engine extracts the recipients, persists the message
// and delivers it in the background, either directly to each
// recipient domain's MX servers or through a configured relay.
//
// Progress is tracked per recipient and survives restarts as long as
// a persistent storage backend is used.
package mailout

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxcpp/mailout/prepare"
	"github.com/foxcpp/mailout/status"
	"github.com/foxcpp/mailout/storage"
	"github.com/foxcpp/mailout/worker"
)

// ErrNotFound is returned by status queries for unknown message IDs.
var ErrNotFound = storage.ErrNotFound

// ErrWorkerStopped is returned when an operation requires the
// background worker but it has terminated.
var ErrWorkerStopped = errors.New("mailout: worker is not running")

// Engine accepts messages and delivers them in the background.
//
// All methods are safe for concurrent use.
type Engine struct {
	cfg   Config
	store *worker.Store

	ctl          chan worker.Control
	workerStatus atomic.Uint32

	dieOnce sync.Once
}

// New creates an Engine delivering per cfg and persisting state in
// backend. The background worker starts paused; call Start once
// initialization is done.
func New(cfg Config, backend storage.Storage) (*Engine, error) {
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:   cfg,
		store: worker.NewStore(backend),
		ctl:   make(chan worker.Control, 128),
	}

	wcfg := worker.Config{
		HeloName:        cfg.HeloName,
		SMTPTimeout:     secsDuration(cfg.SMTPTimeoutSecs),
		BaseResendDelay: secsDuration(cfg.BaseResendDelaySecs),
		RequireTLS:      cfg.RequireTLS,
		TLSConfig:       cfg.TLSClientConfig,
		DialContext:     cfg.DialContext,
		Log:             cfg.Logger,
	}
	if cfg.Relay != nil {
		wcfg.RelayServer = cfg.Relay.DomainName
		wcfg.RelayPort = cfg.Relay.Port
		wcfg.RelayUseTLS = cfg.Relay.UseTLS
		if auth := cfg.Relay.Auth; auth != nil {
			wcfg.AuthMechanism = auth.Mechanism
			wcfg.Username = auth.Username
			wcfg.Password = auth.Password
		}
	} else {
		resolver, err := cfg.Remote.Resolver.build()
		if err != nil {
			e.workerStatus.Store(uint32(worker.StatusResolverCreationFailed))
			return nil, err
		}
		wcfg.Resolver = resolver
		wcfg.SMTPPort = cfg.Remote.Port
	}

	w := worker.New(wcfg, e.store, e.ctl, &e.workerStatus)
	go w.Run()
	return e, nil
}

// Start unpauses the background worker.
func (e *Engine) Start() error {
	return e.send(worker.Control{Kind: worker.ControlStart})
}

// SendEmail submits a raw RFC 5322 message for delivery and returns
// its Message-ID without the angle brackets. Recipients are taken
// from the To, Cc and Bcc header fields; Bcc is removed before the
// message goes out and a Message-ID is generated if missing.
//
// The returned ID can be passed to QueryStatus to track progress.
func (e *Engine) SendEmail(raw []byte) (string, error) {
	email, st, err := prepare.Prepare(raw, e.cfg.HeloName)
	if err != nil {
		return "", err
	}

	if err := e.store.Store(email, st); err != nil {
		return "", fmt.Errorf("mailout: cannot store message: %w", err)
	}
	if err := e.send(worker.Control{Kind: worker.ControlSendEmail, MessageID: st.MessageID}); err != nil {
		return "", err
	}
	return st.MessageID, nil
}

// QueryStatus reports the delivery status of a previously submitted
// message. ErrNotFound is returned for unknown IDs.
func (e *Engine) QueryStatus(messageID string) (*status.MessageStatus, error) {
	st, err := e.store.RetrieveStatus(messageID)
	if err != nil {
		return nil, err
	}
	return st.AsMessageStatus(), nil
}

// QueryRecent returns the status of all messages that are either
// still in flight or completed since the last QueryRecent call. Each
// completed message is reported exactly once.
func (e *Engine) QueryRecent() ([]*status.MessageStatus, error) {
	internal, err := e.store.RetrieveAllRecent()
	if err != nil {
		return nil, err
	}
	out := make([]*status.MessageStatus, 0, len(internal))
	for _, st := range internal {
		out = append(out, st.AsMessageStatus())
	}
	return out, nil
}

// WorkerStatus reports the health of the background worker.
func (e *Engine) WorkerStatus() worker.Status {
	return worker.Status(e.workerStatus.Load())
}

// Die stops the background worker. In-flight deliveries are
// abandoned mid-pass; their state is already persisted, so they
// resume when a new Engine is created over the same storage.
func (e *Engine) Die() error {
	var err error = ErrWorkerStopped
	e.dieOnce.Do(func() {
		err = e.send(worker.Control{Kind: worker.ControlTerminate})
	})
	return err
}

// Close implements io.Closer by calling Die, ignoring the error if
// the worker is already stopped.
func (e *Engine) Close() error {
	if err := e.Die(); err != nil && err != ErrWorkerStopped {
		return err
	}
	return nil
}

func (e *Engine) send(c worker.Control) error {
	if e.WorkerStatus() != worker.StatusOk {
		return ErrWorkerStopped
	}
	select {
	case e.ctl <- c:
		return nil
	default:
		return ErrWorkerStopped
	}
}

func secsDuration(secs uint32) time.Duration {
	return time.Duration(secs) * time.Second
}
