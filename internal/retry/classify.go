package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/agentworkforce/trialsync/internal/syncerr"
)

type httpStatusError interface {
	HTTPStatus() int
}

// IsRetryable reports whether err is transient: timeouts, connection
// failures, 5xx and 429 responses. Other 4xx responses and errors it cannot
// classify are treated as permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch syncerr.KindOf(err) {
	case syncerr.KindTimeout, syncerr.KindNetworkUnavailable, syncerr.KindServer:
		return true
	case syncerr.KindClient, syncerr.KindStorage, syncerr.KindInvalidTransition, syncerr.KindNotFound, syncerr.KindInvalidInput:
		return false
	}
	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		if status := statusErr.HTTPStatus(); status > 0 {
			return status == 429 || status >= 500
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	for _, target := range []error{syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE, syscall.ENETUNREACH, syscall.EHOSTUNREACH, io.ErrUnexpectedEOF} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// UnlessOffline wraps a classifier so connectivity failures stop being
// retried while online reports false. Other errors go to next, or to
// IsRetryable when next is nil.
func UnlessOffline(online func() bool, next func(error) bool) func(error) bool {
	if next == nil {
		next = IsRetryable
	}
	return func(err error) bool {
		if online != nil && !online() && syncerr.KindOf(err) == syncerr.KindNetworkUnavailable {
			return false
		}
		return next(err)
	}
}
