package store

import (
	"errors"
	"fmt"
)

// ValidationError reports client-supplied input the store refuses to
// persist: an empty title or a status/priority outside its enum.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError reports an operation that targeted a missing issue.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("issue %s not found", e.ID)
}

// SchemaError wraps a failure of the schema statements themselves.
type SchemaError struct {
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("ensuring schema: %v", e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// StoreError wraps any lower-level failure (connectivity, query, transport).
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ConflictError reports a create whose id is taken, either by a live issue
// or by one that was deleted. Ids are never reassigned. It is not used for
// concurrent-edit detection.
type ConflictError struct {
	ID      string
	Deleted bool
}

func (e *ConflictError) Error() string {
	if e.Deleted {
		return fmt.Sprintf("issue %s was deleted and its id cannot be reused", e.ID)
	}
	return fmt.Sprintf("issue %s already exists", e.ID)
}

// IsValidation reports whether err (or any error in its chain) is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound reports whether err (or any error in its chain) is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsSchema reports whether err (or any error in its chain) is a SchemaError.
func IsSchema(err error) bool {
	var target *SchemaError
	return errors.As(err, &target)
}

// IsConflict reports whether err (or any error in its chain) is a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsTransient reports whether retrying the same request might succeed.
func IsTransient(err error) bool {
	return err != nil && !IsValidation(err) && !IsNotFound(err) && !IsConflict(err)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		validation *ValidationError
		notFound   *NotFoundError
		conflict   *ConflictError
		schema     *SchemaError
		storeErr   *StoreError
	)
	if errors.As(err, &validation) || errors.As(err, &notFound) || errors.As(err, &conflict) ||
		errors.As(err, &schema) || errors.As(err, &storeErr) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
