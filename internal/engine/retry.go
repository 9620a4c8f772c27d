package engine

import (
	"context"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// RetryPolicy bounds per-segment retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// Backoff returns the delay before the given retry (1 for the first retry):
// a uniformly random duration up to min(MaxDelay, BaseDelay*2^(retry-1)).
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 1 || p.BaseDelay <= 0 {
		return 0
	}
	ceiling := p.MaxDelay
	if shift := retry - 1; shift < 30 {
		if d := p.BaseDelay << uint(shift); d > 0 && (ceiling <= 0 || d < ceiling) {
			ceiling = d
		}
	}
	if ceiling <= 0 {
		return 0
	}
	return rand.N(ceiling + 1)
}

var (
	// ErrShortRead means the body ended before Content-Length bytes.
	ErrShortRead = errors.New("short read")
	// ErrEmptyBody means the origin answered 200 with no payload.
	ErrEmptyBody = errors.New("empty response body")
)

// StatusError is a non-success HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return "HTTP " + strconv.Itoa(e.Code) + " " + http.StatusText(e.Code)
}

// IsTransient reports whether a failed attempt is worth retrying: network
// errors, timeouts, short reads, 408, 429 and 5xx. Cancellation and other
// 4xx statuses are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.Code == http.StatusRequestTimeout, status.Code == http.StatusTooManyRequests:
			return true
		case status.Code >= 500:
			return true
		default:
			return false
		}
	}

	if errors.Is(err, ErrShortRead) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// *url.Error is itself a net.Error; judge what it wraps.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	// Dial failures, resets and timeouts all surface as net.Error.
	var netErr net.Error
	return errors.As(err, &netErr)
}
