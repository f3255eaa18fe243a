package db

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every missing-key or missing-record error
	ErrNotFound = errors.New("not found")

	ErrClosed      = errors.New("store is closed")
	ErrReadOnly    = errors.New("store is opened read-only")
	ErrNotLoaded   = errors.New("index is not loaded")
	ErrInvalidName = errors.New("invalid index name")
	ErrInUse       = errors.New("index is in use")
	ErrTooLarge    = errors.New("record too large")
)

// IOError reports a log or file failure. It is fatal to the manager.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// CorruptIndexError reports a malformed index region found during load.
// Only the named index is affected.
type CorruptIndexError struct {
	Index string
	Key   string
	Err   error
}

func (e *CorruptIndexError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("index %s is corrupt: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("index %s is corrupt at %q: %v", e.Index, e.Key, e.Err)
}

func (e *CorruptIndexError) Unwrap() error { return e.Err }

// CorruptRecordError reports a log record whose header or checksum does not verify
type CorruptRecordError struct {
	Offset uint64
	Reason string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("record %d is corrupt: %s", e.Offset, e.Reason)
}

// NotFoundError reports a key missing from an index
type NotFoundError struct {
	Index string
	Key   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("key %q not found in index %s", e.Key, e.Index)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InUseError reports an index that still has holders
type InUseError struct {
	Index string
	Refs  int
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("index %s is in use by %d holder(s)", e.Index, e.Refs)
}

func (e *InUseError) Is(target error) bool { return target == ErrInUse }
