package table

import (
	"errors"
	"fmt"

	"github.com/hupe1980/ttlstore/rowkey"
)

var (
	// ErrNotFound is returned when a row or index entry does not exist or
	// its row has expired.
	ErrNotFound = errors.New("table: not found")
	// ErrConflict is returned when a unique index key is owned by another row.
	ErrConflict = errors.New("table: unique index conflict")
	// ErrCorrupt is returned when stored bytes do not decode.
	ErrCorrupt = errors.New("table: corrupt data")
	// ErrInvalidSchema is returned by Open for an unusable schema.
	ErrInvalidSchema = errors.New("table: invalid schema")
)

// ConflictError describes a unique index collision.
type ConflictError struct {
	Index string
	Key   []byte
	RowID rowkey.RowID // owner of the key
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("table: key %q of unique index %s is owned by row %d", e.Key, e.Index, e.RowID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

func corrupt(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorrupt, what, err)
}
