package ttlstore

import (
	"errors"
	"fmt"

	"github.com/hupe1980/ttlstore/internal/lsm"
	"github.com/hupe1980/ttlstore/rowkey"
	"github.com/hupe1980/ttlstore/table"
)

var (
	// ErrNotFound is returned when a path does not exist or has expired.
	ErrNotFound = errors.New("ttlstore: not found")
	// ErrConflict is returned when a path is owned by another row.
	ErrConflict = errors.New("ttlstore: conflict")
	// ErrCorrupt is returned when stored data does not decode.
	ErrCorrupt = errors.New("ttlstore: corrupt data")
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("ttlstore: closed")
	// ErrInvalidPath is returned for an empty path.
	ErrInvalidPath = errors.New("ttlstore: invalid path")
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, table.ErrNotFound), errors.Is(err, lsm.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, table.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, table.ErrCorrupt), errors.Is(err, lsm.ErrCorrupt), errors.Is(err, rowkey.ErrInvalidKey):
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	case errors.Is(err, lsm.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
