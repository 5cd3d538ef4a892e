// Package storage persists detection state in ClickHouse: entities,
// chains, signals, feedback, and accuracy baselines.
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailed indicates a failure to connect to the database.
	ErrConnectionFailed = errors.New("storage: connection failed")

	// ErrQueryFailed indicates a query execution failure.
	ErrQueryFailed = errors.New("storage: query failed")

	// ErrBatchInsertFailed indicates a batch insert failure.
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")

	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("storage: not found")
)

// StorageError wraps storage errors with operation context.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// WrapConnectionError wraps an error as a connection error.
func WrapConnectionError(op string, err error) error {
	return &StorageError{Op: op, Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
}

// WrapQueryError wraps an error as a query error.
func WrapQueryError(op, table string, err error) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %v", ErrQueryFailed, err)}
}

// WrapNotFoundError wraps an error as a not found error.
func WrapNotFoundError(op, table, id string) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: id=%s", ErrNotFound, id)}
}
