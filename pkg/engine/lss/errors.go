package lss

import "errors"

var (
	// ErrCorrupted indicates the log file could not be parsed as a
	// sequence of newline-delimited JSON records.
	ErrCorrupted = errors.New("lss: file is corrupted")

	// ErrChecksumMismatch indicates a record's checksum does not match
	// its contents.
	ErrChecksumMismatch = errors.New("lss: checksum mismatch")

	// ErrClosed indicates an operation was attempted on a closed store.
	ErrClosed = errors.New("lss: already closed")

	// ErrInvalidEvent indicates an event failed field validation before
	// being appended.
	ErrInvalidEvent = errors.New("lss: invalid event")

	// ErrEmptyPartition is returned by LogicalReadFirst and
	// LogicalReadLast when no record exists for the requested partition.
	ErrEmptyPartition = errors.New("lss: empty partition")
)
