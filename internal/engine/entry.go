package engine

import (
	"path"
	"strings"
	"time"
)

// Entry is one item of an archive listing.
type Entry struct {
	Index          int               `json:"index"`
	Depth          int               `json:"depth"`
	Name           string            `json:"name"`
	Size           int64             `json:"size"`
	CompressedSize int64             `json:"compressed_size"`
	Modified       time.Time         `json:"modified"`
	Hash           string            `json:"hash,omitempty"`
	Dir            bool              `json:"dir"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// NewEntry builds an entry with a cleaned name and the matching depth.
func NewEntry(index int, name string, dir bool) Entry {
	name = CleanName(name)
	return Entry{
		Index: index,
		Depth: DepthOf(name),
		Name:  name,
		Dir:   dir,
	}
}

// BaseName returns the last path element of the entry name.
func (e Entry) BaseName() string {
	return path.Base(e.Name)
}

// Matches reports whether other still describes the same archive content as e.
func (e Entry) Matches(other Entry) bool {
	return e.Name == other.Name &&
		e.Dir == other.Dir &&
		e.Size == other.Size &&
		e.Hash == other.Hash &&
		e.Modified.Equal(other.Modified)
}

// CleanName normalises an in-archive path: forward slashes, no leading "./" or "/",
// no trailing slash.
func CleanName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return ""
	}
	name = path.Clean(name)
	if name == "." {
		return ""
	}
	return name
}

// DepthOf returns the nesting depth of a cleaned name: the number of separators in it.
func DepthOf(name string) int {
	return strings.Count(name, "/")
}

// ArchiveInfo is the metadata of one archive produced by a read provider.
type ArchiveInfo struct {
	Path    string  `json:"path"`
	Format  string  `json:"format"`
	Entries []Entry `json:"entries"`
}

// Find returns the entry with the given name.
func (a *ArchiveInfo) Find(name string) (Entry, bool) {
	name = CleanName(name)
	for _, e := range a.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Source is something on the filesystem to be stored in an archive under Name.
// Directories are added recursively.
type Source struct {
	Path string
	Name string
}
