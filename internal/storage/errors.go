package storage

import (
	"errors"
	"fmt"
)

// ErrUnknownBackend is returned by Open for an unregistered kind.
var ErrUnknownBackend = errors.New("storage: unknown backend")

// StoreError wraps a database failure with the operation and table it hit.
type StoreError struct {
	Op    string
	Table string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Wrap returns err as a *StoreError for op on table. A nil err stays nil and
// an existing *StoreError is returned unchanged.
func Wrap(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Table: table, Err: err}
}
