package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrTransient and ErrPermanent are sentinel errors transports use when
// classifying their own failures.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
)

// Transient annotates an error so callers can detect transient failures.
func Transient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent annotates an error as permanent.
func Permanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// StatusError reports an HTTP-like status code returned by a remote service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	text := http.StatusText(e.Code)
	if text == "" {
		text = "unexpected status"
	}
	if e.Body == "" {
		return fmt.Sprintf("status %d %s", e.Code, text)
	}
	return fmt.Sprintf("status %d %s: %s", e.Code, text, e.Body)
}

// transientFragments catch transports that flatten network errors to text.
var transientFragments = []string{"timeout", "connection refused", "connection reset", "broken pipe"}

// Kind is the retry classification of an error.
type Kind int

const (
	KindFatal Kind = iota
	KindTransient
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCanceled:
		return "canceled"
	default:
		return "fatal"
	}
}

// Classify decides whether err is worth retrying. Timeouts, broken
// connections, ErrTransient and 5xx/408/429/404 statuses are transient;
// cancellation is reported separately; everything else is fatal.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, ErrPermanent) {
		return KindFatal
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if RetryableStatus(statusErr.Code) {
			return KindTransient
		}
		return KindFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return KindTransient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return KindTransient
		}
	}

	return KindFatal
}

// RetryableStatus reports whether an HTTP status code denotes a transient
// condition: any 5xx, 408, 429 and 404.
func RetryableStatus(code int) bool {
	switch {
	case code >= 500 && code <= 599:
		return true
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code == http.StatusNotFound:
		return true
	default:
		return false
	}
}
