package db

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrDuplicateKey is returned when a write violates a unique index.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrUnknownCollection is returned for names missing from the registry.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrUnknownIndex is returned by GetByIndex for undeclared indexes.
	ErrUnknownIndex = errors.New("unknown index")
	// ErrMissingID is returned when an entity has no string id.
	ErrMissingID = errors.New("entity has no id")
	// ErrUnencodable is returned when a payload cannot be stored as JSON
	// (NaN, infinities, channels).
	ErrUnencodable = errors.New("entity cannot be encoded")
)

// DuplicateKeyError reports which unique index rejected a write.
type DuplicateKeyError struct {
	Collection string
	Index      string
	Key        string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s: %s.%s = %q already exists", ErrDuplicateKey, e.Collection, e.Index, e.Key)
}

func (e *DuplicateKeyError) Unwrap() error { return ErrDuplicateKey }

// StoreError is a schema or transaction failure in the local store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("local store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// storeErr wraps err unless it already carries a domain meaning callers match on.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDuplicateKey),
		errors.Is(err, ErrUnknownCollection),
		errors.Is(err, ErrUnknownIndex),
		errors.Is(err, ErrMissingID),
		errors.Is(err, ErrUnencodable),
		errors.As(err, &se):
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// isUniqueViolation matches SQLite's constraint failure text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
