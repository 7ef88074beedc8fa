package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/pricetrack/pricetrack/breaker"
)

// ErrTimeout indicates an attempt exceeded its per-attempt deadline.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrHTTP indicates the upstream returned a non-success status for the page.
type ErrHTTP struct {
	Status int
	Err    error
}

func (e ErrHTTP) Error() string {
	return fmt.Errorf("http %d: %w", e.Status, e.Err).Error()
}

func (e ErrHTTP) Unwrap() error {
	return e.Err
}

// ErrBlocked indicates the target site refused the automated session
// (HTTP 403/429 or an explicit block page).
type ErrBlocked struct {
	Err error
}

func (e ErrBlocked) Error() string {
	return fmt.Errorf("blocked: %w", e.Err).Error()
}

func (e ErrBlocked) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure reaching the
// automation service.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusForbidden, http.StatusTooManyRequests:
			return ErrBlocked{Err: wrapped}
		default:
			return ErrHTTP{Status: statusCode, Err: wrapped}
		}
	}

	return err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var blocked ErrBlocked
	if errors.As(err, &blocked) {
		return "blocked"
	}
	var httpErr ErrHTTP
	if errors.As(err, &httpErr) {
		return "http_error"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return "circuit_open"
	}
	return "other"
}
