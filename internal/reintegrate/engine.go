// Package reintegrate writes a nested archive back into its parent archive.
package reintegrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/events"
	"github.com/infracollect/archivist/internal/session"
	"github.com/infracollect/archivist/internal/workspace"
)

type State int

const (
	StateIdle State = iota
	StateBackedUp
	StateWriting
	StateCommitted
	StateRestored
)

func (s State) String() string {
	switch s {
	case StateBackedUp:
		return "BACKED_UP"
	case StateWriting:
		return "WRITING"
	case StateCommitted:
		return "COMMITTED"
	case StateRestored:
		return "RESTORED"
	default:
		return "IDLE"
	}
}

// Record describes one reintegration. Success is set only after the rewritten parent
// passed verification.
type Record struct {
	BackupPath string
	Parent     *session.Session
	Entry      engine.Entry
	State      State
	Success    bool
}

type Engine struct {
	fs        afero.Fs
	workspace *workspace.Manager
	bus       *events.Bus
	logger    *zap.Logger
}

func New(ws *workspace.Manager, bus *events.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		fs:        ws.Fs(),
		workspace: ws,
		bus:       bus,
		logger:    logger.Named("reintegrate"),
	}
}

// Reintegrate replaces entry of parent with the archive of child. On failure the parent
// archive is restored from its backup before the error is returned. The parent is busy
// for the whole call.
func (e *Engine) Reintegrate(ctx context.Context, id engine.SessionID, parent, child *session.Session, entry engine.Entry) (*Record, error) {
	parent.SetBusy(true)
	defer parent.SetBusy(false)

	rec := &Record{Parent: parent, Entry: entry, State: StateIdle}
	progress := e.bus.Reporter(id, events.TopicReintegration)
	logger := e.logger.With(
		zap.Stringer("session_id", id),
		zap.String("parent", parent.Path()),
		zap.String("entry", entry.Name),
	)

	writer := parent.Writer()
	if writer == nil {
		return rec, e.failed(parent, &engine.UnsupportedFormatError{Name: parent.Path(), Capability: engine.CapabilityWrite})
	}
	if err := parent.CheckLive(); err != nil {
		return rec, e.failed(parent, err)
	}
	if err := child.CheckLive(); err != nil {
		return rec, e.failed(parent, err)
	}

	backup, err := e.workspace.Backup(id, parent.Path())
	if err != nil {
		return rec, e.failed(parent, err)
	}
	rec.BackupPath = backup.Path
	rec.State = StateBackedUp
	progress.Progress("backed up "+parent.Path(), 10)

	// from here on the sequence runs to COMMITTED or RESTORED
	ctx = context.WithoutCancel(ctx)

	rec.State = StateWriting
	progress.Progress("writing "+entry.Name, 30)
	class := writer.Descriptor().Class
	if class == engine.ClassCompressor {
		err = e.recreate(ctx, id, parent, writer, child)
	} else {
		err = e.replace(ctx, id, parent, writer, child, entry)
	}

	if err != nil {
		logger.Warn("reintegration failed, restoring parent", zap.String("class", string(class)), zap.Error(err))
		if restoreErr := backup.Restore(); restoreErr != nil {
			logger.Error("failed to restore parent, backup kept",
				zap.String("backup", backup.Path),
				zap.Error(restoreErr),
			)
			progress.Indeterminate("restore failed, backup kept at " + backup.Path)
			return rec, e.failed(parent, errors.Join(err,
				fmt.Errorf("failed to restore %s, backup kept at %s: %w", parent.Path(), backup.Path, restoreErr)))
		}
		rec.State = StateRestored
		if discardErr := backup.Discard(); discardErr != nil {
			logger.Warn("failed to remove backup", zap.Error(discardErr))
		}
		progress.Progress("restored "+parent.Path(), 100)
		return rec, e.failed(parent, err)
	}

	if err := backup.Discard(); err != nil {
		logger.Warn("failed to remove backup", zap.Error(err))
	}
	rec.State = StateCommitted
	rec.Success = true
	progress.Progress("committed "+entry.Name, 100)
	logger.Info("reintegrated nested archive", zap.String("class", string(class)))

	if err := parent.Reload(ctx); err != nil {
		return rec, err
	}
	return rec, nil
}

// recreate rebuilds a single-payload parent from scratch with the child as its payload.
func (e *Engine) recreate(ctx context.Context, id engine.SessionID, parent *session.Session, writer engine.Writer, child *session.Session) error {
	if err := e.fs.Remove(parent.Path()); err != nil {
		return fmt.Errorf("failed to remove %s: %w", parent.Path(), err)
	}

	info := &engine.ArchiveInfo{Path: parent.Path(), Format: parent.Info().Format}
	if err := writer.CreateArchive(ctx, id, info, engine.Source{Path: child.Path()}); err != nil {
		return engine.ProviderFailed("create", parent.Path(), err)
	}
	return e.verifyExists(parent)
}

// replace deletes the old nested entry and adds the child at the same logical path.
func (e *Engine) replace(ctx context.Context, id engine.SessionID, parent *session.Session, writer engine.Writer, child *session.Session, entry engine.Entry) error {
	info := parent.Info()
	if err := writer.DeleteEntry(ctx, id, info, entry); err != nil {
		return engine.ProviderFailed("delete", parent.Path(), err)
	}
	if err := writer.AddEntries(ctx, id, info, engine.Source{Path: child.Path(), Name: entry.Name}); err != nil {
		return engine.ProviderFailed("add", parent.Path(), err)
	}

	if err := e.verifyExists(parent); err != nil {
		return err
	}
	listed, err := parent.Reader().GenerateMetadata(ctx, parent.Path())
	if err != nil {
		return engine.ProviderFailed("verify", parent.Path(), err)
	}
	if got, ok := listed.Find(entry.Name); !ok || got.Dir {
		return fmt.Errorf("verification failed: %s does not contain %q", parent.Path(), entry.Name)
	}
	return nil
}

func (e *Engine) verifyExists(parent *session.Session) error {
	stat, err := e.fs.Stat(parent.Path())
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	if stat.IsDir() {
		return fmt.Errorf("verification failed: %s is a directory", parent.Path())
	}
	return nil
}

func (e *Engine) failed(parent *session.Session, err error) error {
	return &engine.OperationError{Op: "reintegrate", Path: parent.Path(), Kind: engine.ErrReintegrationFailed, Err: err}
}
