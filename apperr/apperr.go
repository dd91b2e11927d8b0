// Package apperr holds the error taxonomy shared by request handlers.
//
// Every request/ack operation reports failures as an *Error so the channel
// layer can fill the acknowledgement's error slot with a stable kind.
package apperr

import (
	"errors"
	"fmt"
)

// Kind categorizes an Error.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindCapacity   Kind = "capacity"
	KindNotFound   Kind = "not_found"
	KindStore      Kind = "store"
	KindValidation Kind = "validation"
)

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrAuth       = &Error{Kind: KindAuth}
	ErrCapacity   = &Error{Kind: KindCapacity}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrStore      = &Error{Kind: KindStore}
	ErrValidation = &Error{Kind: KindValidation}
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, apperr.ErrCapacity).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func Auth(msg string, err error) *Error { return &Error{Kind: KindAuth, Message: msg, Err: err} }
func Capacity(msg string) *Error { return &Error{Kind: KindCapacity, Message: msg} }
func NotFound(msg string) *Error { return &Error{Kind: KindNotFound, Message: msg} }
func Store(msg string, err error) *Error { return &Error{Kind: KindStore, Message: msg, Err: err} }
func Validation(msg string) *Error { return &Error{Kind: KindValidation, Message: msg} }

// KindOf reports the Kind of err. Errors outside the taxonomy are treated as
// backend failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}

// Message returns the user facing text for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
