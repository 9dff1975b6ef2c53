// Package xerrors defines the typed error-kind vocabulary shared across
// the gateway's layers, so callers can branch on failure category with
// errors.Is/errors.As instead of string matching.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind is a coarse failure category.
type Kind string

const (
	KindTransport     Kind = "transport"
	KindProtocol      Kind = "protocol"
	KindAuth          Kind = "auth"
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindStorage       Kind = "storage"
	KindUpstream      Kind = "upstream"
	KindUnsupported   Kind = "unsupported"
)

// Error is a kinded, wrapped error.
type Error struct {
	Kind    Kind
	Op      string
	Entity  string
	Key     string
	Message string
	Err     error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Op, prefix)
	}
	if e.Entity != "" {
		if e.Key != "" {
			prefix = fmt.Sprintf("%s %s[%s]", prefix, e.Entity, e.Key)
		} else {
			prefix = fmt.Sprintf("%s %s", prefix, e.Entity)
		}
	}
	if e.Message != "" {
		prefix = fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, xerrors.New(KindNotFound, "", "")) match by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a kinded error with a free-form message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind to an existing error, preserving it for errors.Unwrap.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// NotFound builds a KindNotFound error for one entity/key pair, mirroring
// the teacher's store.ErrNotFound{Entity, Key} shape.
func NotFound(entity, key string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, Key: key}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
