package lsm

import "errors"

var (
	// ErrClosed is returned when an operation is attempted on a closed DB.
	ErrClosed = errors.New("lsm: closed")

	// ErrNotFound is returned by Get when the key has no live value.
	ErrNotFound = errors.New("lsm: not found")

	// ErrCorrupt is returned when a table, block or log record fails validation.
	ErrCorrupt = errors.New("lsm: data corruption detected")

	// ErrUnknownColumnFamily is returned for column families that were not registered.
	ErrUnknownColumnFamily = errors.New("lsm: unknown column family")

	// ErrInvalidArgument is returned for malformed arguments (empty keys, nil batches).
	ErrInvalidArgument = errors.New("lsm: invalid argument")
)
