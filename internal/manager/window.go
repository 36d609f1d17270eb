package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/events"
	"github.com/infracollect/archivist/internal/export"
	"github.com/infracollect/archivist/internal/migration"
	"github.com/infracollect/archivist/internal/nested"
	"github.com/infracollect/archivist/internal/reintegrate"
	"github.com/infracollect/archivist/internal/session"
	"github.com/infracollect/archivist/internal/tasks"
)

// Window is one open archive as seen by the interactive collaborator. Every long running
// action is a task owned by the window's archive, so a window runs one action at a time.
// Continuations passed to Window methods run on the manager's dispatcher.
type Window struct {
	manager   *Manager
	session   *session.Session
	migration *migration.Machine
	parent    *Window
	child     *nested.Child

	// closed is guarded by manager.mu.
	closed bool
}

func (w *Window) Session() *session.Session {
	return w.session
}

// Parent returns the window of the enclosing archive, or nil for a top-level window.
func (w *Window) Parent() *Window {
	return w.parent
}

// Children returns the windows of the nested archives opened from w.
func (w *Window) Children() []*Window {
	return w.manager.children(w)
}

// Nested reports whether the window shows an archive extracted from another one.
func (w *Window) Nested() bool {
	return w.child != nil
}

func (w *Window) Closed() bool {
	w.manager.mu.Lock()
	defer w.manager.mu.Unlock()
	return w.closed
}

// Busy reports whether a task runs for the window or its archive is being written back into.
func (w *Window) Busy() bool {
	return w.manager.executor.IsBusy(w.session.Owner()) || w.session.Busy()
}

// Run submits work as a task of this window. It fails with tasks.ErrBusy when another task
// of the window is running. A failure caused by the archive vanishing closes the window.
func (w *Window) Run(ctx context.Context, name string, work tasks.Work, onSuccess func()) (*tasks.Handle, error) {
	return w.submit(ctx, w, name, work, onSuccess, nil)
}

func (w *Window) submit(ctx context.Context, owner *Window, name string, work tasks.Work, onSuccess func(), onFailure func(*tasks.TaskError)) (*tasks.Handle, error) {
	if w.Closed() {
		return nil, fmt.Errorf("%w: window for %s is closed", engine.ErrInvalidState, w.session.Path())
	}
	return w.manager.executor.Execute(ctx, tasks.Task{
		SessionID: engine.NewSessionID(),
		Owner:     owner.session.Owner(),
		Name:      name,
		Work:      work,
		OnSuccess: onSuccess,
		OnFailure: func(taskErr *tasks.TaskError) {
			if onFailure != nil {
				onFailure(taskErr)
			}
			if path, ok := engine.MissingArchive(taskErr); ok {
				w.manager.abandonPath(owner, path)
			}
		},
		Policy: tasks.PolicyReject,
	})
}

// Add adds files and directories to the archive.
func (w *Window) Add(ctx context.Context, sources ...engine.Source) (*tasks.Handle, error) {
	s := w.session
	return w.Run(ctx, "add", func(ctx context.Context, progress *events.Reporter) error {
		if err := s.Mutable(); err != nil {
			return err
		}
		if err := s.CheckLive(); err != nil {
			return err
		}
		if err := s.Writer().AddEntries(ctx, progress.SessionID(), s.Info(), sources...); err != nil {
			return engine.ProviderFailed("add", s.Path(), err)
		}
		return s.Reload(ctx)
	}, nil)
}

// Delete removes entry, restoring the archive if the provider fails halfway.
func (w *Window) Delete(ctx context.Context, entry engine.Entry) (*tasks.Handle, error) {
	machine := migration.New(w.session, w.manager.workspace, w.manager.logger)
	return w.Run(ctx, "delete", func(ctx context.Context, progress *events.Reporter) error {
		if err := machine.Stage(migration.ModeDelete, entry); err != nil {
			return err
		}
		return machine.Commit(ctx, progress.SessionID(), "")
	}, nil)
}

// Extract writes entries below dir, keeping their archive paths. No entries means all of them.
func (w *Window) Extract(ctx context.Context, dir string, entries ...engine.Entry) (*tasks.Handle, error) {
	s := w.session
	return w.Run(ctx, "extract", func(ctx context.Context, progress *events.Reporter) error {
		if err := s.CheckLive(); err != nil {
			return err
		}
		selected := entries
		if len(selected) == 0 {
			selected = s.Entries()
		}
		for i, entry := range selected {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("context cancelled: %w", err)
			}
			target, err := extractPath(dir, entry.Name)
			if err != nil {
				return err
			}
			progress.Step("extracting "+entry.Name, i, len(selected))
			if err := s.Reader().ExtractEntry(ctx, progress.SessionID(), target, s.Info(), entry); err != nil {
				return engine.ProviderFailed("extract", s.Path(), err)
			}
		}
		progress.Progress(fmt.Sprintf("extracted %d entries", len(selected)), 100)
		return nil
	}, nil)
}

// extractPath joins an entry name to dir, refusing names that escape it.
func extractPath(dir, name string) (string, error) {
	name = engine.CleanName(name)
	if name == "" || name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("refusing to extract %q outside of %s", name, dir)
	}
	return filepath.Join(dir, filepath.FromSlash(name)), nil
}

// Test verifies the integrity of the archive.
func (w *Window) Test(ctx context.Context) (*tasks.Handle, error) {
	s := w.session
	return w.Run(ctx, "test", func(ctx context.Context, progress *events.Reporter) error {
		if err := s.CheckLive(); err != nil {
			return err
		}
		progress.Indeterminate("testing " + s.Path())
		if err := s.Reader().TestArchive(ctx, progress.SessionID(), s.Path()); err != nil {
			return engine.ProviderFailed("test", s.Path(), err)
		}
		return nil
	}, nil)
}

// Stage captures entry for a later CommitMigration.
func (w *Window) Stage(mode migration.Mode, entry engine.Entry) error {
	return w.migration.Stage(mode, entry)
}

// Migration returns the staged operation.
func (w *Window) Migration() migration.Context {
	return w.migration.Current()
}

func (w *Window) CancelMigration() {
	w.migration.Cancel()
}

// CommitMigration applies the staged operation with target as the destination of a copy or move.
func (w *Window) CommitMigration(ctx context.Context, target string) (*tasks.Handle, error) {
	staged := w.migration.Current()
	if !staged.Valid {
		return nil, fmt.Errorf("%w: nothing staged", engine.ErrInvalidState)
	}
	return w.Run(ctx, staged.Mode.String(), func(ctx context.Context, progress *events.Reporter) error {
		return w.migration.Commit(ctx, progress.SessionID(), target)
	}, nil)
}

// OpenNested opens entry, itself an archive, in a child window handed to opened.
func (w *Window) OpenNested(ctx context.Context, entry engine.Entry, opened func(*Window)) (*tasks.Handle, error) {
	if !w.manager.tree.IsNestedArchive(entry) {
		return nil, &engine.UnsupportedFormatError{
			Name:       entry.Name,
			Capability: engine.CapabilityRead,
			Available:  w.manager.registry.Formats(engine.CapabilityRead),
		}
	}

	var child *nested.Child
	return w.Run(ctx, "open nested", func(ctx context.Context, progress *events.Reporter) error {
		progress.Indeterminate("opening " + entry.Name)
		var err error
		child, err = w.manager.tree.OpenNested(ctx, progress.SessionID(), w.session, entry)
		return err
	}, func() {
		cw := w.manager.newWindow(child.Session, w, child)
		if opened != nil {
			opened(cw)
		}
	})
}

// CloseNested closes a nested window, writing its archive back into the parent when persist
// is set. The task runs as the parent's. The window is closed even when the write back fails,
// in which case the parent is left as it was. closed receives the reintegration record.
func (w *Window) CloseNested(ctx context.Context, persist bool, closed func(*reintegrate.Record)) (*tasks.Handle, error) {
	if w.child == nil {
		return nil, fmt.Errorf("%w: %s is not a nested archive", engine.ErrInvalidState, w.session.Path())
	}
	if n := len(w.Children()); n > 0 {
		return nil, fmt.Errorf("%w: %s has %d open nested archives", engine.ErrInvalidState, w.session.Path(), n)
	}
	// the child's lock is held until the close has finished so no child task can start meanwhile
	release, err := w.manager.executor.Hold(w.session.Owner())
	if err != nil {
		return nil, fmt.Errorf("cannot close %s: %w", w.session.Path(), err)
	}

	var rec *reintegrate.Record
	done := func() {
		if !w.manager.tree.IsOpen(w.child) {
			w.manager.forget(w)
			w.migration.Cancel()
		}
		release()
		if closed != nil && rec != nil {
			closed(rec)
		}
	}
	h, err := w.parent.submit(ctx, w.parent, "close nested", func(ctx context.Context, progress *events.Reporter) error {
		var err error
		rec, err = w.manager.tree.CloseNested(ctx, progress.SessionID(), w.child, persist)
		return err
	}, done, func(*tasks.TaskError) { done() })
	if err != nil {
		release()
		return nil, err
	}
	return h, nil
}

// Export sends the archive file to target and closes target.
func (w *Window) Export(ctx context.Context, target export.Target) (*tasks.Handle, error) {
	return w.Run(ctx, "export", func(ctx context.Context, progress *events.Reporter) error {
		err := w.manager.exporter.Archive(ctx, progress.SessionID(), w.session, target)
		return errors.Join(err, target.Close(ctx))
	}, nil)
}

// ExportEntries sends the given file entries to target and closes target.
func (w *Window) ExportEntries(ctx context.Context, entries []engine.Entry, target export.Target) (*tasks.Handle, error) {
	return w.Run(ctx, "export entries", func(ctx context.Context, progress *events.Reporter) error {
		n, err := w.manager.exporter.Entries(ctx, progress.SessionID(), w.session, entries, target)
		w.manager.logger.Debug("exported entries", zap.String("archive", w.session.Path()), zap.Int("files", n))
		return errors.Join(err, target.Close(ctx))
	}, nil)
}

// Close closes a top-level window. Nested windows are closed with CloseNested.
func (w *Window) Close() error {
	if w.child != nil {
		return fmt.Errorf("%w: nested archive %s must be closed with CloseNested", engine.ErrInvalidState, w.session.Path())
	}
	if n := len(w.Children()); n > 0 {
		return fmt.Errorf("%w: %s has %d open nested archives", engine.ErrInvalidState, w.session.Path(), n)
	}
	if w.Busy() {
		return fmt.Errorf("cannot close %s: %w", w.session.Path(), tasks.ErrBusy)
	}
	if !w.manager.forget(w) {
		return fmt.Errorf("%w: window for %s is already closed", engine.ErrInvalidState, w.session.Path())
	}
	w.migration.Cancel()
	w.manager.table.Release(w.session)
	return nil
}
