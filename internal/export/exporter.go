package export

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/events"
	"github.com/infracollect/archivist/internal/session"
	"github.com/infracollect/archivist/internal/workspace"
)

// Exporter streams archives and extracted entries to targets.
type Exporter struct {
	workspace *workspace.Manager
	bus       *events.Bus
	logger    *zap.Logger
}

func NewExporter(ws *workspace.Manager, bus *events.Bus, logger *zap.Logger) *Exporter {
	return &Exporter{workspace: ws, bus: bus, logger: logger.Named("export")}
}

// Archive writes the archive file of s to target under its base name.
func (e *Exporter) Archive(ctx context.Context, id engine.SessionID, s *session.Session, target Target) (err error) {
	if err := s.CheckLive(); err != nil {
		return err
	}

	fs := e.workspace.Fs()
	f, err := fs.Open(s.Path())
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.Path(), err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	name := filepath.Base(s.Path())
	e.bus.Reporter(id, events.TopicProgress).Indeterminate("exporting " + name + " to " + target.Name())
	if err := target.Write(ctx, name, f); err != nil {
		return err
	}
	e.logger.Info("exported archive", zap.String("archive", s.Path()), zap.String("target", target.Name()))
	return nil
}

// Entries extracts the file entries of s one by one and writes them to target under their
// archive names. Folders are skipped. It returns the number of files written.
func (e *Exporter) Entries(ctx context.Context, id engine.SessionID, s *session.Session, entries []engine.Entry, target Target) (int, error) {
	dir, err := e.workspace.Create(id, "export")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := dir.Remove(); err != nil {
			e.logger.Warn("failed to remove export workspace", zap.Error(err))
		}
	}()

	progress := e.bus.Reporter(id, events.TopicProgress)
	files := 0
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return files, fmt.Errorf("context cancelled: %w", err)
		}
		if entry.Dir {
			continue
		}
		progress.Step("exporting "+entry.Name, i, len(entries))

		local := dir.Join(filepath.FromSlash(entry.Name))
		if err := s.Reader().ExtractEntry(ctx, id, local, s.Info(), entry); err != nil {
			return files, engine.ProviderFailed("extract", s.Path(), err)
		}
		if err := e.copy(ctx, local, entry.Name, target); err != nil {
			return files, err
		}
		files++
	}

	progress.Progress(fmt.Sprintf("exported %d files to %s", files, target.Name()), 100)
	return files, nil
}

// copy writes local to target and removes it afterwards.
func (e *Exporter) copy(ctx context.Context, local, name string, target Target) (err error) {
	fs := e.workspace.Fs()
	f, err := fs.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", local, err)
	}
	defer func() {
		err = errors.Join(err, f.Close(), fs.Remove(local))
	}()

	return target.Write(ctx, path.Clean(name), f)
}
