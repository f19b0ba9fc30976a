package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies an RPC failure.
type Kind int

const (
	// Transient failures (timeouts, connection errors, server errors)
	// are eligible for failover and retry.
	Transient Kind = iota

	// Permanent failures are definitive protocol-level rejections
	// (malformed transaction, insufficient funds) and are never retried.
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is an RPC failure annotated with its classification.
type Error struct {
	Kind     Kind
	Chain    string
	Endpoint string
	Err      error
}

func (e *Error) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("rpc %s (%s, %s): %v", e.Kind, e.Chain, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("rpc %s (%s): %v", e.Kind, e.Chain, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transiently-failed pool call.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Transient
}

// IsPermanent reports whether err is a definitive protocol rejection.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Permanent
}

type permanentErr struct{ err error }

func (p *permanentErr) Error() string { return p.err.Error() }
func (p *permanentErr) Unwrap() error { return p.err }

// MarkPermanent wraps err so the default classifier treats it as a
// definitive rejection. Adapters use it when a node's answer is a protocol
// verdict rather than an availability problem.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentErr{err: err}
}

// Classify is the default error classifier. Only errors explicitly marked
// via MarkPermanent count as permanent: a node's protocol verdict is an
// adapter-level judgment, while anything else (timeouts, connection
// errors, unknown failures) keeps failover behavior.
func Classify(err error) Kind {
	var p *permanentErr
	if errors.As(err, &p) {
		return Permanent
	}
	return Transient
}

// Unavailable reports whether err looks like an availability problem
// rather than a verdict: context timeouts, net errors, or common
// connection failure strings. Adapters consult it before deciding to
// MarkPermanent a broadcast error.
func Unavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"i/o timeout",
		"EOF",
		"502", "503", "504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
