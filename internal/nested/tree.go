// Package nested tracks archives opened from entries of other open archives.
package nested

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/reintegrate"
	"github.com/infracollect/archivist/internal/session"
	"github.com/infracollect/archivist/internal/workspace"
)

// Child is an open nested archive. Its session works on a private copy of the entry
// extracted into its own workspace.
type Child struct {
	Session *session.Session
	Parent  *session.Session
	Entry   engine.Entry

	dir    *workspace.Dir
	closed bool
}

// Workspace returns the directory holding the extracted archive.
func (c *Child) Workspace() string {
	return c.dir.Path
}

type Tree struct {
	registry     *engine.Registry
	workspace    *workspace.Manager
	table        *session.Table
	reintegrator *reintegrate.Engine
	logger       *zap.Logger

	mu       sync.Mutex
	children []*Child
}

func New(registry *engine.Registry, ws *workspace.Manager, table *session.Table, reintegrator *reintegrate.Engine, logger *zap.Logger) *Tree {
	return &Tree{
		registry:     registry,
		workspace:    ws,
		table:        table,
		reintegrator: reintegrator,
		logger:       logger.Named("nested"),
	}
}

// IsNestedArchive reports whether entry can be opened as a nested archive. Detection is by
// extension only.
func (t *Tree) IsNestedArchive(entry engine.Entry) bool {
	return !entry.Dir && t.registry.CanRead(entry.Name)
}

// OpenNested extracts entry of parent into a fresh workspace and opens it as a child
// session. The parent stays disabled until the child is closed.
func (t *Tree) OpenNested(ctx context.Context, id engine.SessionID, parent *session.Session, entry engine.Entry) (*Child, error) {
	if entry.Dir {
		return nil, fmt.Errorf("%w: %q is a folder", engine.ErrInvalidState, entry.Name)
	}
	if _, err := t.registry.RequireRead(entry.Name); err != nil {
		return nil, err
	}
	if err := parent.CheckLive(); err != nil {
		return nil, err
	}
	if _, ok := parent.Find(entry.Name); !ok {
		return nil, &engine.OperationError{
			Op:   "open nested",
			Path: parent.Path(),
			Kind: engine.ErrStaleReference,
			Err:  fmt.Errorf("entry %q not found", entry.Name),
		}
	}

	dir, err := t.workspace.Create(id, "session")
	if err != nil {
		return nil, err
	}

	child, err := t.open(ctx, id, parent, entry, dir)
	if err != nil {
		return nil, errors.Join(err, dir.Remove())
	}

	parent.Disable()
	t.mu.Lock()
	t.children = append(t.children, child)
	t.mu.Unlock()

	t.logger.Info("opened nested archive",
		zap.String("parent", parent.Path()),
		zap.String("entry", entry.Name),
		zap.Stringer("child_session_id", child.Session.ID()),
		zap.String("workspace", dir.Path),
	)
	return child, nil
}

func (t *Tree) open(ctx context.Context, id engine.SessionID, parent *session.Session, entry engine.Entry, dir *workspace.Dir) (*Child, error) {
	target := dir.Join(entry.BaseName())
	if err := parent.Reader().ExtractEntry(ctx, id, target, parent.Info(), entry); err != nil {
		return nil, engine.ProviderFailed("extract", parent.Path(), err)
	}

	link := &session.ParentLink{Session: parent, Entry: entry, ParentPath: parent.Path()}
	s, err := session.Open(ctx, t.registry, t.workspace.Fs(), target, link)
	if err != nil {
		return nil, err
	}
	if err := t.table.Claim(s); err != nil {
		return nil, err
	}
	return &Child{Session: s, Parent: parent, Entry: entry, dir: dir}, nil
}

// CloseNested closes child, writing it back into its parent first when persist is set.
// The workspace is removed and the parent re-enabled whatever the reintegration outcome;
// a reintegration failure is returned. The record is nil when persist is false.
func (t *Tree) CloseNested(ctx context.Context, id engine.SessionID, child *Child, persist bool) (*reintegrate.Record, error) {
	if err := t.detach(child); err != nil {
		return nil, err
	}

	logger := t.logger.With(
		zap.String("parent", child.Parent.Path()),
		zap.String("entry", child.Entry.Name),
		zap.Bool("persist", persist),
	)
	defer func() {
		if err := child.dir.Remove(); err != nil {
			logger.Warn("failed to remove nested workspace", zap.Error(err))
		}
		t.table.Release(child.Session)
		child.Parent.Enable()
	}()

	if !persist {
		logger.Info("discarded nested archive")
		return nil, nil
	}

	rec, err := t.reintegrator.Reintegrate(ctx, id, child.Parent, child.Session, child.Entry)
	if err != nil {
		logger.Warn("nested archive not written back", zap.Error(err))
		return rec, err
	}
	logger.Info("closed nested archive")
	return rec, nil
}

// detach removes child from the tree. A child with open children of its own, or one that
// was already closed, stays untouched.
func (t *Tree) detach(child *Child) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if child.closed || !slices.Contains(t.children, child) {
		return fmt.Errorf("%w: nested archive %s is not open", engine.ErrInvalidState, child.Entry.Name)
	}
	if n := t.countChildren(child.Session); n > 0 {
		return fmt.Errorf("%w: nested archive %s has %d open nested archives", engine.ErrInvalidState, child.Entry.Name, n)
	}

	child.closed = true
	t.children = slices.DeleteFunc(t.children, func(c *Child) bool { return c == child })
	return nil
}

// Children returns the open children of parent in opening order.
func (t *Tree) Children(parent *session.Session) []*Child {
	t.mu.Lock()
	defer t.mu.Unlock()
	return lo.Filter(t.children, func(c *Child, _ int) bool { return c.Parent == parent })
}

// Lookup returns the open child whose session has the given id.
func (t *Tree) Lookup(sessionID engine.SessionID) (*Child, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return lo.Find(t.children, func(c *Child) bool { return c.Session.ID() == sessionID })
}

// Len returns the number of open children across all parents.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.children)
}

func (t *Tree) countChildren(parent *session.Session) int {
	return lo.CountBy(t.children, func(c *Child) bool { return c.Parent == parent })
}

// IsOpen reports whether child is still attached to the tree.
func (t *Tree) IsOpen(child *Child) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !child.closed && slices.Contains(t.children, child)
}
