package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat is returned when no provider resolves for a file.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrProviderOperationFailed is returned when a provider call fails.
	ErrProviderOperationFailed = errors.New("provider operation failed")

	// ErrStaleReference is returned when a captured entry no longer matches the archive.
	ErrStaleReference = errors.New("stale entry reference")

	// ErrReintegrationFailed is returned when a nested archive could not be written back.
	ErrReintegrationFailed = errors.New("reintegration failed")

	// ErrArchiveMissing is returned when the live archive file vanished.
	ErrArchiveMissing = errors.New("archive missing")

	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrSessionDisabled is returned for mutating calls on a session that has open children.
	ErrSessionDisabled = errors.New("session disabled")
)

// OperationError ties a failure kind (one of the sentinels above) to its cause.
// errors.Is matches both the kind and anything in the cause chain.
type OperationError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ProviderFailed wraps a provider error as ErrProviderOperationFailed.
func ProviderFailed(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Op: op, Path: path, Kind: ErrProviderOperationFailed, Err: err}
}

// MissingArchive returns the path of the vanished archive an ErrArchiveMissing failure in
// err's tree refers to. Wrapping operation errors of another kind are looked through.
func MissingArchive(err error) (string, bool) {
	if op, ok := err.(*OperationError); ok && op.Kind == ErrArchiveMissing {
		return op.Path, true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return MissingArchive(u.Unwrap())
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if path, ok := MissingArchive(inner); ok {
				return path, true
			}
		}
	}
	return "", false
}

// UnsupportedFormatError is returned when no provider handles a file.
type UnsupportedFormatError struct {
	Name       string     // the file name or extension that was looked up
	Capability Capability // the requested capability
	Available  []string   // formats registered for that capability
}

func (e *UnsupportedFormatError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("unsupported format for %q: no %s providers registered", e.Name, e.Capability)
	}
	return fmt.Sprintf("unsupported format for %q (%s formats: %v)", e.Name, e.Capability, e.Available)
}

func (e *UnsupportedFormatError) Unwrap() error {
	return ErrUnsupportedFormat
}
