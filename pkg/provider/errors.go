package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures for the sync engine's retry policy.
type ErrorKind int

const (
	// KindTransient covers timeouts and 5xx responses; safe to retry.
	KindTransient ErrorKind = iota
	// KindRateLimited means the provider signaled backpressure; back off.
	KindRateLimited
	// KindAuth means the credential is expired or revoked; never retry.
	KindAuth
)

type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewTransientError(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

func NewRateLimitedError(msg string, err error) *Error {
	return &Error{Kind: KindRateLimited, Msg: msg, Err: err}
}

func NewAuthError(msg string, err error) *Error {
	return &Error{Kind: KindAuth, Msg: msg, Err: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

func IsRateLimited(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRateLimited
}

func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}
