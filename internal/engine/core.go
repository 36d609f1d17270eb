package engine

import (
	"context"
	"strconv"
	"sync/atomic"
)

type Named interface {
	Name() string
	Kind() string
}

type Closer interface {
	Close(context.Context) error
}

// SessionID identifies one invocation: an opened archive, a task or a workspace.
// IDs are handed out from a process-wide counter and never reused.
type SessionID uint64

func (id SessionID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

var lastSessionID atomic.Uint64

// NewSessionID returns the next session id. IDs are strictly increasing.
func NewSessionID() SessionID {
	return SessionID(lastSessionID.Add(1))
}

// Capability describes what a provider can do with the formats it declares.
type Capability uint8

const (
	CapabilityRead Capability = 1 << iota
	CapabilityWrite

	CapabilityReadWrite = CapabilityRead | CapabilityWrite
)

func (c Capability) Has(other Capability) bool {
	return c&other == other
}

func (c Capability) String() string {
	switch c {
	case CapabilityRead:
		return "read"
	case CapabilityWrite:
		return "write"
	case CapabilityReadWrite:
		return "read/write"
	default:
		return "none"
	}
}

// FormatClass tells the reintegration engine how an archive can be mutated.
type FormatClass string

const (
	// ClassContainer archives hold many entries and support incremental add/delete (zip, tar).
	ClassContainer FormatClass = "container"
	// ClassCompressor archives hold exactly one logical payload (gzip, zstd, bzip2, xz).
	ClassCompressor FormatClass = "compressor"
)
