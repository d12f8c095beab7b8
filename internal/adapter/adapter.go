// Package adapter holds transport plumbing shared by the vendor protocol
// engines: reconnect cooldown, transient/permanent failure classification and
// connect errors carrying remediation hints.
package adapter

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openfab/printfleet/internal/printer"
)

// DefaultConnectTimeout bounds one transport handshake attempt.
const DefaultConnectTimeout = 10 * time.Second

// Redialer gates reconnect attempts behind an exponential-backoff cooldown.
// After a failed connect the next attempt is only allowed once the cooldown
// window has elapsed; attempts inside the window fail fast instead of
// blocking the caller on a handshake that is going to fail anyway.
type Redialer struct {
	mu      sync.Mutex
	b       *backoff.ExponentialBackOff
	blocked time.Time
}

// NewRedialer creates a redialer starting at initial and capped at max.
func NewRedialer(initial, max time.Duration) *Redialer {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0 // never give up, only space out
	b.Reset()
	return &Redialer{b: b}
}

// Allow reports whether a connect attempt may proceed now. When in cooldown
// it returns a KindTransient error naming the remaining wait.
func (r *Redialer) Allow() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wait := time.Until(r.blocked); wait > 0 {
		return printer.NewError(printer.KindTransient, "connect",
			fmt.Sprintf("reconnect in cooldown, retry in %s", wait.Round(time.Second)))
	}
	return nil
}

// Failure records a failed connect and starts (or extends) the cooldown.
func (r *Redialer) Failure() {
	r.mu.Lock()
	r.blocked = time.Now().Add(r.b.NextBackOff())
	r.mu.Unlock()
}

// Success clears the cooldown and resets the backoff schedule.
func (r *Redialer) Success() {
	r.mu.Lock()
	r.blocked = time.Time{}
	r.b.Reset()
	r.mu.Unlock()
}

// ConnectError wraps a handshake failure with remediation hints instead of
// leaking the raw transport error.
func ConnectError(op string, err error, hints ...string) *printer.Error {
	pe := printer.WrapError(printer.KindTransient, op, "connection failed", err)
	pe.Hints = hints
	return pe
}

// retryableStatus holds the HTTP statuses treated as transient.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:     true,
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// ClassifyHTTPStatus maps an HTTP status code outside 2xx to an ErrorKind.
func ClassifyHTTPStatus(code int) printer.ErrorKind {
	switch {
	case retryableStatus[code]:
		return printer.KindTransient
	case code == http.StatusNotFound:
		return printer.KindNotFound
	case code >= 500:
		return printer.KindTransient
	default:
		return printer.KindFatal
	}
}

// IsTransportError reports whether err looks like a transient network
// failure (timeout, refused, reset) rather than a protocol-level one.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// RetryPolicy returns the bounded backoff schedule used for per-request
// retries: attempts spaced exponentially, capped in both interval and total
// elapsed time.
func RetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return b
}
