package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted indicates a record that cannot be parsed
	ErrCorrupted = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates a record whose checksum does not match
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrClosed indicates the journal was closed
	ErrClosed = errors.New("journal: already closed")
)

// ChecksumError carries the position of a record that failed verification
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}
