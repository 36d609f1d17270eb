package engine

import (
	"context"
	"slices"
)

// Descriptor identifies a provider and what it handles.
type Descriptor struct {
	ID         string
	Capability Capability
	// Formats are lower-case extensions without the leading dot. Multi-segment
	// aliases such as "tar.gz" are allowed.
	Formats  []string
	Class    FormatClass
	Priority int
}

// Supports reports whether the descriptor declares the given format.
func (d Descriptor) Supports(format string) bool {
	return slices.Contains(d.Formats, format)
}

// Provider is the common part of every read or write provider.
type Provider interface {
	Descriptor() Descriptor
}

// Reader is a read-capable provider.
type Reader interface {
	Provider

	// GenerateMetadata lists the archive at path.
	GenerateMetadata(ctx context.Context, path string) (*ArchiveInfo, error)

	// ExtractEntry writes the content of entry to target. Folder entries create a directory.
	ExtractEntry(ctx context.Context, id SessionID, target string, info *ArchiveInfo, entry Entry) error

	// TestArchive reads every entry of the archive and verifies its integrity.
	TestArchive(ctx context.Context, id SessionID, path string) error
}

// Writer is a write-capable provider.
type Writer interface {
	Provider

	// AddEntries adds sources to an existing archive. Entries with the same name are replaced.
	AddEntries(ctx context.Context, id SessionID, info *ArchiveInfo, sources ...Source) error

	// DeleteEntry removes an entry. Deleting a folder removes everything below it.
	DeleteEntry(ctx context.Context, id SessionID, info *ArchiveInfo, entry Entry) error

	// CreateArchive creates a new archive at info.Path holding exactly the given sources.
	CreateArchive(ctx context.Context, id SessionID, info *ArchiveInfo, sources ...Source) error
}

// Plugin is a named bundle of providers that can be installed and purged at runtime.
type Plugin struct {
	Name      string
	Providers []Provider
}
