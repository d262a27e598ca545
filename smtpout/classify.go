package smtpout

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/emersion/go-smtp"

	"github.com/foxcpp/mailout/exterrors"
	"github.com/foxcpp/mailout/status"
)

// classify translates a delivery error into the recipient result.
//
// 4xx SMTP replies, errors tagged transient via exterrors and failures
// that typically clear up on their own (DNS hiccups, refused or reset
// connections, timeouts) are deferred; 5xx replies, TLS failures and
// everything else are final. Deferred results carry Attempts == 0, the
// caller owns attempt accounting.
func classify(err error) status.DeliveryResult {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		reason := fmt.Sprintf("%d %s", smtpErr.Code, smtpErr.Message)
		if smtpErr.Code >= 500 {
			return status.Failed(reason)
		}
		return status.Deferred(0, reason)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return status.Deferred(0, "DNS resolution failed")
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return status.Deferred(0, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return status.Deferred(0, err.Error())
	}

	var errno syscall.Errno
	if errors.As(err, &errno) && transientErrno(errno) {
		return status.Deferred(0, err.Error())
	}

	if exterrors.IsTemporary(err) {
		return status.Deferred(0, err.Error())
	}

	return status.Failed(err.Error())
}

func transientErrno(errno syscall.Errno) bool {
	switch errno {
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
		syscall.EADDRINUSE, syscall.EPIPE, syscall.ETIMEDOUT,
		syscall.EINTR, syscall.EHOSTUNREACH, syscall.ENETUNREACH,
		syscall.ENETDOWN, syscall.EBUSY:
		return true
	}
	return false
}
