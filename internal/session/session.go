// Package session holds the live state of one open archive.
package session

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/infracollect/archivist/internal/engine"
)

// ParentLink points a nested session back at the entry it was extracted from.
type ParentLink struct {
	Session    *Session
	Entry      engine.Entry
	ParentPath string
}

// Session is one open archive: its path, resolved providers and entry listing.
// The listing is replaced only by Reload, which callers run under the owner's task lock.
type Session struct {
	id     engine.SessionID
	path   string
	fs     afero.Fs
	reader engine.Reader
	writer engine.Writer
	parent *ParentLink

	mu       sync.RWMutex
	info     *engine.ArchiveInfo
	prefix   string
	disabled int
	busy     bool
}

// Open resolves providers for path and lists it. A read provider is required; the write
// provider is nil for read-only formats.
func Open(ctx context.Context, registry *engine.Registry, fs afero.Fs, archive string, parent *ParentLink) (*Session, error) {
	reader, err := registry.RequireRead(archive)
	if err != nil {
		return nil, err
	}
	writer, _ := registry.ResolveWrite(archive)

	s := &Session{
		id:     engine.NewSessionID(),
		path:   archive,
		fs:     fs,
		reader: reader,
		writer: writer,
		parent: parent,
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) ID() engine.SessionID {
	return s.id
}

func (s *Session) Path() string {
	return s.path
}

func (s *Session) Reader() engine.Reader {
	return s.reader
}

// Writer returns the write provider, or nil when the format is read-only.
func (s *Session) Writer() engine.Writer {
	return s.writer
}

func (s *Session) ReadOnly() bool {
	return s.writer == nil
}

// Parent returns the link to the parent session, or nil for top-level archives.
func (s *Session) Parent() *ParentLink {
	return s.parent
}

// Owner is the task lock key of the session.
func (s *Session) Owner() string {
	return s.path
}

// Reload re-reads the archive listing from disk.
func (s *Session) Reload(ctx context.Context) error {
	if err := s.CheckLive(); err != nil {
		return err
	}
	info, err := s.reader.GenerateMetadata(ctx, s.path)
	if err != nil {
		return engine.ProviderFailed("list", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
	if s.prefix != "" && !s.hasFolder(s.prefix) {
		s.prefix = ""
	}
	return nil
}

// Info returns the last listing.
func (s *Session) Info() *engine.ArchiveInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Entries returns a copy of the flat entry list.
func (s *Session) Entries() []engine.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]engine.Entry(nil), s.info.Entries...)
}

// Find returns the entry with the given name.
func (s *Session) Find(name string) (engine.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Find(name)
}

// CheckLive reports engine.ErrArchiveMissing when the archive file is gone.
func (s *Session) CheckLive() error {
	ok, err := afero.Exists(s.fs, s.path)
	if err != nil || !ok {
		return &engine.OperationError{Op: "open", Path: s.path, Kind: engine.ErrArchiveMissing, Err: err}
	}
	return nil
}

// Disable marks the session as parent of an open child. Calls nest.
func (s *Session) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled++
}

// Enable undoes one Disable.
func (s *Session) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled > 0 {
		s.disabled--
	}
}

func (s *Session) Disabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disabled > 0
}

// SetBusy flags a reintegration in progress.
func (s *Session) SetBusy(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = busy
}

func (s *Session) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busy
}

// Mutable returns an error when mutating actions are not allowed right now.
func (s *Session) Mutable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.disabled > 0:
		return &engine.OperationError{Op: "mutate", Path: s.path, Kind: engine.ErrSessionDisabled,
			Err: fmt.Errorf("%d nested archives open", s.disabled)}
	case s.busy:
		return &engine.OperationError{Op: "mutate", Path: s.path, Kind: engine.ErrSessionDisabled,
			Err: fmt.Errorf("reintegration in progress")}
	case s.writer == nil:
		return &engine.UnsupportedFormatError{Name: path.Base(s.path), Capability: engine.CapabilityWrite}
	}
	return nil
}

// Prefix returns the folder currently browsed, "" for the root.
func (s *Session) Prefix() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefix
}

// Enter browses into folder, given by its full name.
func (s *Session) Enter(folder string) error {
	folder = engine.CleanName(folder)

	s.mu.Lock()
	defer s.mu.Unlock()
	if folder != "" && !s.hasFolder(folder) {
		return fmt.Errorf("%w: %q is not a folder of %s", engine.ErrInvalidState, folder, s.path)
	}
	s.prefix = folder
	return nil
}

// Up browses to the parent folder. It reports false when already at the root.
func (s *Session) Up() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefix == "" {
		return false
	}
	s.prefix = path.Dir(s.prefix)
	if s.prefix == "." {
		s.prefix = ""
	}
	return true
}

// Visible returns the entries directly below the current prefix. Folders that only exist
// implicitly, as part of deeper names, are synthesized with Index -1.
func (s *Session) Visible() []engine.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var visible []engine.Entry
	seen := make(map[string]bool)
	for _, e := range s.info.Entries {
		rel, ok := s.relative(e.Name)
		if !ok {
			continue
		}
		head, _, nested := strings.Cut(rel, "/")
		name := path.Join(s.prefix, head)
		if seen[name] {
			continue
		}
		seen[name] = true

		if !nested {
			visible = append(visible, e)
			continue
		}
		if explicit, ok := s.info.Find(name); ok {
			visible = append(visible, explicit)
			continue
		}
		visible = append(visible, engine.NewEntry(-1, name, true))
	}
	return visible
}

func (s *Session) relative(name string) (string, bool) {
	if s.prefix == "" {
		return name, true
	}
	return strings.CutPrefix(name, s.prefix+"/")
}

// HasFolder reports whether folder exists, explicitly or as the parent of other entries.
func (s *Session) HasFolder(folder string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasFolder(engine.CleanName(folder))
}

func (s *Session) hasFolder(folder string) bool {
	return lo.ContainsBy(s.info.Entries, func(e engine.Entry) bool {
		return (e.Dir && e.Name == folder) || strings.HasPrefix(e.Name, folder+"/")
	})
}
