// Package tberr defines the typed error kinds the daemon uses to decide
// whether a failure is fatal to the current event, demotable to a warning,
// or purely informational.
package tberr

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// UdevError wraps a sysfs attribute read/write failure, or a missing
// attribute that was expected to be present.
type UdevError struct {
	Syspath string
	Attr    string
	Err     error
}

func (e *UdevError) Error() string {
	return fmt.Sprintf("udev: %s: %s: %v", e.Syspath, e.Attr, e.Err)
}

func (e *UdevError) Unwrap() error { return e.Err }

// NewUdev constructs a UdevError.
func NewUdev(syspath, attr string, err error) *UdevError {
	return &UdevError{Syspath: syspath, Attr: attr, Err: err}
}

// StoreError wraps an I/O or parse failure against the enrollment store.
type StoreError struct {
	UID string
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %s: %v", e.Op, e.UID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStore constructs a StoreError.
func NewStore(op, uid string, err error) *StoreError {
	return &StoreError{Op: op, UID: uid, Err: err}
}

// AuthError records a failed or mismatched authorization write.
type AuthError struct {
	UID string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.UID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuth constructs an AuthError.
func NewAuth(uid string, err error) *AuthError {
	return &AuthError{UID: uid, Err: err}
}

// InvalidArgument signals a caller-facing validation failure.
type InvalidArgument struct {
	Field string
	Err   error
}

func (e *InvalidArgument) Error() string {
	return fmt.Sprintf("invalid argument: %s: %v", e.Field, e.Err)
}

func (e *InvalidArgument) Unwrap() error { return e.Err }

// NewInvalidArgument constructs an InvalidArgument error.
func NewInvalidArgument(field string, err error) *InvalidArgument {
	return &InvalidArgument{Field: field, Err: err}
}

// NotFound signals a uid absent from the relevant scope.
type NotFound struct {
	UID   string
	Scope string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("not found: %s in %s", e.UID, e.Scope)
}

// NewNotFound constructs a NotFound error.
func NewNotFound(scope, uid string) *NotFound {
	return &NotFound{Scope: scope, UID: uid}
}

// IsNotFound reports whether err is (or wraps) a NotFound.
func IsNotFound(err error) bool {
	var nf *NotFound
	return errors.As(err, &nf)
}

// Essential returns err unchanged: the caller's event handler must fail.
// Named so call sites read as documentation of spec §7's policy split.
func Essential(err error) error {
	return err
}

// Warn demotes err to a logged warning and returns nil, per spec §7's
// rule that a UdevError on a non-essential attribute leaves the field at
// its default rather than failing the event.
func Warn(log zerolog.Logger, err error) error {
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Msg("non-essential attribute read failed, using default")
	return nil
}
