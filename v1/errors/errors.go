package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLockAlreadyAcquired matches every error of kind KindLockAlreadyAcquired.
	ErrLockAlreadyAcquired = errors.New("lock already acquired")
)

// Kind classifies the errors returned by the driver and the lock facade.
type Kind int

const (
	// KindUnknown is reported for nil errors and errors not produced here.
	KindUnknown Kind = iota
	// KindBackend wraps whatever the store reported that is not a
	// condition failure: network, auth, throttling, malformed responses.
	KindBackend
	// KindLockAlreadyAcquired means a conditional write lost: the lock is
	// held by someone else or the caller's lease was taken over.
	KindLockAlreadyAcquired
	// KindDecode means the stored record could not be interpreted.
	KindDecode
	// KindConfig means the caller passed an unusable input.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindBackend:
		return "backend"
	case KindLockAlreadyAcquired:
		return "lock_already_acquired"
	case KindDecode:
		return "decode"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error is the error type returned by lock operations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("distlock: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("distlock: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind-level equality with ErrLockAlreadyAcquired so callers can
// branch with errors.Is.
func (e *Error) Is(target error) bool {
	return target == ErrLockAlreadyAcquired && e.Kind == KindLockAlreadyAcquired
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsContention reports whether err means the lock is held elsewhere.
func IsContention(err error) bool {
	return KindOf(err) == KindLockAlreadyAcquired
}
