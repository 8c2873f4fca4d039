package monitor

import (
	"errors"
	"fmt"
)

// ErrRestartRequested is returned by Run when recovery gave up on in-process
// repair. The caller should exit so the process manager starts a clean process.
var ErrRestartRequested = errors.New("monitor: restart requested")

// ErrorKind classifies probe failures.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindAuth
	KindMalformed
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindMalformed:
		return "malformed"
	case KindRateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ProbeError is returned by Probe implementations.
type ProbeError struct {
	Channel string
	Kind    ErrorKind
	Err     error
}

func (e *ProbeError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("probe %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("probe %s (%s): %v", e.Channel, e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// SessionInitError wraps a failed Probe.InitSession.
type SessionInitError struct {
	Err error
}

func (e *SessionInitError) Error() string { return "session init: " + e.Err.Error() }
func (e *SessionInitError) Unwrap() error { return e.Err }

// KindOf returns the probe error kind carried by err. Errors that are not
// ProbeErrors are reported as network failures.
func KindOf(err error) ErrorKind {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindNetwork
}
