package session

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/infracollect/archivist/internal/engine"
)

// Table enforces a single live session per archive path.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

func key(archive string) string {
	return filepath.Clean(archive)
}

// Claim records s as the owner of its path.
func (t *Table) Claim(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(s.Path())
	if owner, ok := t.sessions[k]; ok && owner != s {
		return fmt.Errorf("%w: %s is already open in session %s", engine.ErrInvalidState, s.Path(), owner.ID())
	}
	t.sessions[k] = s
	return nil
}

// Release drops s. It reports false when s did not own its path.
func (t *Table) Release(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(s.Path())
	if t.sessions[k] != s {
		return false
	}
	delete(t.sessions, k)
	return true
}

// Lookup returns the session that owns archive.
func (t *Table) Lookup(archive string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[key(archive)]
	return s, ok
}

// Sessions returns the live sessions ordered by path.
func (t *Table) Sessions() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sessions := lo.Values(t.sessions)
	slices.SortFunc(sessions, func(a, b *Session) int {
		return strings.Compare(a.Path(), b.Path())
	})
	return sessions
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
