// Package errs tags sentinel errors with the class that decides how a
// rejected command is reported. Compare with errors.Is as usual.
package errs

import "errors"

type Class int

const (
	Unknown Class = iota
	// InvalidInput: rejected before any state change.
	InvalidInput
	// Capacity: overflow, too many currencies or assets, claims beyond reserves.
	Capacity
	// InsufficientFunds: withdrawals beyond balance, over-redemption.
	InsufficientFunds
	// StaleState: operating on deleted or already-settled state.
	StaleState
	// External: solvency check, price feed or token transfer failure.
	External
)

func (c Class) String() string {
	switch c {
	case InvalidInput:
		return "invalid_input"
	case Capacity:
		return "capacity"
	case InsufficientFunds:
		return "insufficient_funds"
	case StaleState:
		return "stale_state"
	case External:
		return "external"
	default:
		return "unknown"
	}
}

// Error is a classified sentinel.
type Error struct {
	Class Class
	msg   string
	cause error
}

func New(class Class, msg string) *Error {
	return &Error{Class: class, msg: msg}
}

// Wrap tags err with class, keeping err in the chain.
func Wrap(class Class, err error) *Error {
	return &Error{Class: class, msg: err.Error(), cause: err}
}

func (e *Error) Error() string {
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// ClassOf returns the class of the first classified error in err's chain.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return Unknown
}
