package booking

import (
	"errors"
	"fmt"
)

// Kind classifies remote failures by how the race engine recovers from them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuth: credentials rejected or login envelope unusable. Fatal for the session.
	KindAuth
	// KindTokenExpired: the bearer token is no longer accepted. Re-authenticate and continue.
	KindTokenExpired
	// KindTransient: anything else that failed. Back off briefly and retry.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTokenExpired:
		return "token_expired"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

var (
	ErrAuth         = errors.New("authentication failed")
	ErrTokenExpired = errors.New("token expired")
	ErrTransient    = errors.New("transient remote error")
)

// Error carries the failure kind plus the operation and HTTP status that produced it.
//
// errors.Is(err, ErrTokenExpired) (and the other sentinels) match on Kind.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrTokenExpired:
		return e.Kind == KindTokenExpired
	case ErrTransient:
		return e.Kind == KindTransient
	}
	return false
}

// KindOf reports the classification of err. Unclassified non-nil errors are transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	switch {
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrTokenExpired):
		return KindTokenExpired
	default:
		return KindTransient
	}
}

func newError(kind Kind, op string, status int, err error) error {
	return &Error{Kind: kind, Op: op, Status: status, Err: err}
}
