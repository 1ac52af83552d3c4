// Package transport performs single request/response measurements.
//
// A Transport is bound to one target when it is constructed and is driven by
// exactly one probe, so implementations need not be safe for concurrent use.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Transport performs one round trip. It must return within timeout.
type Transport interface {
	Measure(ctx context.Context, timeout time.Duration) (Result, error)
	Close() error
}

type Result struct {
	RTT           time.Duration
	BytesSent     int
	BytesReceived int
}

// Reason classifies a failed measurement. All reasons count the same for
// loss statistics; the distinction is kept for diagnostics.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonUnreachable Reason = "unreachable"
	ReasonProtocol    Reason = "protocol"
)

// Error is a classified measurement failure.
type Error struct {
	Reason Reason
	Err    error
	// BytesSent is what went on the wire before the failure.
	BytesSent int
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FatalError marks a condition that retrying cannot fix, such as missing
// permission to open a raw socket. The probe loop stops on it.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func Fatal(err error) error {
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ReasonOf returns the failure reason carried by err, classifying raw
// errors on the fly.
func ReasonOf(err error) Reason {
	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return classify(err)
}

// wrap classifies err into an *Error unless it already is one or is fatal.
func wrap(err error, sent int) error {
	if err == nil || IsFatal(err) {
		return err
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Reason: classify(err), Err: err, BytesSent: sent}
}

func classify(err error) Reason {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ReasonTimeout
		}
		return ReasonUnreachable
	}
	if isUnreachable(err) {
		return ReasonUnreachable
	}
	return ReasonProtocol
}

// deadline returns the earlier of now+timeout and the context deadline.
func deadline(ctx context.Context, start time.Time, timeout time.Duration) time.Time {
	d := start.Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}
