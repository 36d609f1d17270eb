// Package migration implements the staged copy, move and delete of a single archive entry.
package migration

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/session"
	"github.com/infracollect/archivist/internal/workspace"
)

type Mode int

const (
	ModeNone Mode = iota
	ModeCopy
	ModeMove
	ModeDelete
)

func (m Mode) String() string {
	switch m {
	case ModeCopy:
		return "copy"
	case ModeMove:
		return "move"
	case ModeDelete:
		return "delete"
	default:
		return "none"
	}
}

// ParseMode converts a command name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "copy":
		return ModeCopy, nil
	case "move":
		return ModeMove, nil
	case "delete":
		return ModeDelete, nil
	}
	return ModeNone, fmt.Errorf("unknown migration mode %q", s)
}

// Context is the staged operation.
type Context struct {
	Mode  Mode
	Entry engine.Entry
	Valid bool
}

// Machine holds at most one staged operation for one session.
type Machine struct {
	session   *session.Session
	workspace *workspace.Manager
	logger    *zap.Logger

	mu      sync.Mutex
	current Context
}

func New(s *session.Session, ws *workspace.Manager, logger *zap.Logger) *Machine {
	return &Machine{
		session:   s,
		workspace: ws,
		logger:    logger.Named("migration"),
	}
}

// Stage captures entry for mode, replacing anything staged before.
func (m *Machine) Stage(mode Mode, entry engine.Entry) error {
	switch mode {
	case ModeNone:
		return fmt.Errorf("%w: nothing to stage for mode %s", engine.ErrInvalidState, mode)
	case ModeCopy, ModeMove:
		if entry.Dir {
			return fmt.Errorf("%w: cannot %s folder %q", engine.ErrInvalidState, mode, entry.Name)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = Context{Mode: mode, Entry: entry, Valid: true}
	return nil
}

// Current returns the staged operation; Mode is ModeNone when nothing is staged.
func (m *Machine) Current() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Cancel drops the staged operation.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = Context{}
}

// Commit applies the staged operation. target is the logical destination for copy and
// move and is ignored for delete. The machine is reset whatever the outcome.
func (m *Machine) Commit(ctx context.Context, id engine.SessionID, target string) error {
	staged := m.Current()
	defer m.Cancel()

	if !staged.Valid || staged.Mode == ModeNone {
		return fmt.Errorf("%w: nothing staged", engine.ErrInvalidState)
	}
	if err := m.session.Mutable(); err != nil {
		return err
	}
	if err := m.session.Reload(ctx); err != nil {
		return err
	}
	if !m.fresh(staged.Entry) {
		return &engine.OperationError{
			Op:   staged.Mode.String(),
			Path: m.session.Path(),
			Kind: engine.ErrStaleReference,
			Err:  fmt.Errorf("entry %q changed since it was staged", staged.Entry.Name),
		}
	}

	logger := m.logger.With(
		zap.Stringer("session_id", id),
		zap.Stringer("mode", staged.Mode),
		zap.String("entry", staged.Entry.Name),
	)

	var err error
	switch staged.Mode {
	case ModeDelete:
		err = m.withBackup(id, func() error {
			return m.delete(ctx, id, staged.Entry)
		})
	default:
		var dest string
		dest, err = m.destination(staged.Entry, target)
		if err != nil {
			return err
		}
		logger = logger.With(zap.String("target", dest))
		err = m.duplicate(ctx, id, staged, dest)
	}
	if err != nil {
		logger.Warn("migration failed", zap.Error(err))
		return err
	}

	logger.Info("migration committed")
	return m.session.Reload(ctx)
}

// fresh reports whether entry still describes the archive content. Folders may be implicit
// and are only checked for existence.
func (m *Machine) fresh(entry engine.Entry) bool {
	if entry.Dir {
		return m.session.HasFolder(entry.Name)
	}
	live, ok := m.session.Find(entry.Name)
	return ok && live.Matches(entry)
}

// destination resolves the logical name the entry takes under target.
func (m *Machine) destination(entry engine.Entry, target string) (string, error) {
	dest := engine.CleanName(target)
	if dest == "" || strings.HasSuffix(target, "/") {
		dest = path.Join(dest, entry.BaseName())
	} else if existing, ok := m.session.Find(dest); ok && existing.Dir {
		dest = path.Join(dest, entry.BaseName())
	}
	if dest == entry.Name {
		return "", fmt.Errorf("%w: %q is both source and target", engine.ErrInvalidState, dest)
	}
	return dest, nil
}

func (m *Machine) duplicate(ctx context.Context, id engine.SessionID, staged Context, dest string) error {
	dir, err := m.workspace.Create(id, "migration")
	if err != nil {
		return err
	}
	defer func() {
		if rmErr := dir.Remove(); rmErr != nil {
			m.logger.Warn("failed to remove migration workspace", zap.Error(rmErr))
		}
	}()

	info := m.session.Info()
	extracted := dir.Join(path.Base(dest))
	if err := m.session.Reader().ExtractEntry(ctx, id, extracted, info, staged.Entry); err != nil {
		return engine.ProviderFailed("extract", m.session.Path(), err)
	}

	return m.withBackup(id, func() error {
		writer := m.session.Writer()
		if err := writer.AddEntries(ctx, id, info, engine.Source{Path: extracted, Name: dest}); err != nil {
			return engine.ProviderFailed("add", m.session.Path(), err)
		}
		if staged.Mode == ModeMove {
			return m.delete(ctx, id, staged.Entry)
		}
		return nil
	})
}

func (m *Machine) delete(ctx context.Context, id engine.SessionID, entry engine.Entry) error {
	if err := m.session.Writer().DeleteEntry(ctx, id, m.session.Info(), entry); err != nil {
		return engine.ProviderFailed("delete", m.session.Path(), err)
	}
	return nil
}

// withBackup runs fn against the live archive and restores the archive if fn fails.
func (m *Machine) withBackup(id engine.SessionID, fn func() error) error {
	backup, err := m.workspace.Backup(id, m.session.Path())
	if err != nil {
		return err
	}

	if err := fn(); err != nil {
		if restoreErr := backup.Restore(); restoreErr != nil {
			m.logger.Error("failed to restore archive, backup kept",
				zap.String("archive", m.session.Path()),
				zap.String("backup", backup.Path),
				zap.Error(restoreErr),
			)
			return errors.Join(err, fmt.Errorf("restore from %s failed: %w", backup.Path, restoreErr))
		}
		return errors.Join(err, backup.Discard())
	}
	return backup.Discard()
}
