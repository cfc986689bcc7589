package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrTransient matches every failure that means "could not ask" rather than
// "nothing there": timeouts, blocks, bad statuses, malformed payloads and
// gate exhaustion. Callers must never turn these into empty results.
var ErrTransient = errors.New("transient fetch failure")

// Kind classifies a fetch failure.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindNetwork   Kind = "network"
	KindBlocked   Kind = "blocked"
	KindStatus    Kind = "status"
	KindMalformed Kind = "malformed"
	KindExhausted Kind = "exhausted"
	KindNotFound  Kind = "not_found"
	// KindForbidden is a destination refused before any request was sent.
	KindForbidden Kind = "forbidden"
)

// Error is a classified outbound failure.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int
	// Source names the detector when Kind is KindBlocked.
	Source string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Source != "" {
		msg += " by " + e.Source
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every kind except KindNotFound and KindForbidden match
// ErrTransient.
func (e *Error) Is(target error) bool {
	return target == ErrTransient && e.Kind != KindNotFound && e.Kind != KindForbidden
}

// Malformed reports a payload that arrived but could not be understood.
func Malformed(url string, err error) error {
	return &Error{Kind: KindMalformed, URL: url, Err: err}
}

// IsNotFound reports whether err is a definitive "does not exist" answer.
func IsNotFound(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindNotFound
}

// KindOf returns the failure kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func classify(url string, err error) *Error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return &Error{Kind: KindTimeout, URL: url, Err: err}
	default:
		return &Error{Kind: KindNetwork, URL: url, Err: err}
	}
}
