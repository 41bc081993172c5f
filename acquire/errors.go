package acquire

import (
	"errors"
	"fmt"

	"github.com/ns-trcd/trcdaq/shutter"
	"github.com/ns-trcd/trcdaq/tektronix"
)

// FailureClass identifies why a session failed, for exit codes and metrics
type FailureClass int

const (
	// ClassConnection is a device that is unreachable or a link that died
	ClassConnection FailureClass = iota

	// ClassTimeout is a trigger that never completed
	ClassTimeout

	// ClassProtocol is a malformed or short waveform record
	ClassProtocol

	// ClassStorage is a persistence failure
	ClassStorage

	// ClassSettle is a shutter blade that never confirmed its state
	ClassSettle
)

func (f FailureClass) String() string {
	switch f {
	case ClassConnection:
		return "connection"
	case ClassTimeout:
		return "timeout"
	case ClassProtocol:
		return "protocol"
	case ClassStorage:
		return "storage"
	case ClassSettle:
		return "settle"
	}
	return "unknown"
}

// SessionError is the terminal error of a failed session.  It records the
// cycle the failure occurred on and the class of the underlying cause.
type SessionError struct {
	Class FailureClass
	Cycle int
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("acquisition failed at cycle %d (%s): %v", e.Cycle, e.Class, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// classify maps a step error onto a failure class.  Known sentinel and
// typed errors take precedence; anything unrecognized falls back to the
// class of the step it happened in.
func classify(err error, fallback FailureClass) FailureClass {
	var short tektronix.ShortBufferError
	switch {
	case errors.Is(err, tektronix.ErrTriggerTimeout):
		return ClassTimeout
	case errors.As(err, &short):
		return ClassProtocol
	case errors.Is(err, shutter.ErrSettleTimeout):
		return ClassSettle
	}
	return fallback
}
