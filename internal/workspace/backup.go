package workspace

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/engine"
)

// Backup is a pre-change copy of an archive held in its own workspace.
type Backup struct {
	fs       afero.Fs
	dir      *Dir
	logger   *zap.Logger
	Original string
	Path     string
}

// Backup copies original into a new workspace. The original is left untouched.
func (m *Manager) Backup(id engine.SessionID, original string) (*Backup, error) {
	if _, err := m.fs.Stat(original); err != nil {
		return nil, &engine.OperationError{Op: "backup", Path: original, Kind: engine.ErrArchiveMissing, Err: err}
	}

	dir, err := m.Create(id, "backup")
	if err != nil {
		return nil, err
	}

	path := dir.Join(filepath.Base(original))
	if err := CopyFile(m.fs, original, path); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to back up %s: %w", original, err), dir.Remove())
	}

	m.logger.Debug("backed up archive", zap.String("original", original), zap.String("backup", path))
	return &Backup{fs: m.fs, dir: dir, logger: m.logger, Original: original, Path: path}, nil
}

// Restore puts the backup content back at the original path, whether or not the original
// still exists. The content is staged next to the original and renamed into place.
func (b *Backup) Restore() (err error) {
	staged, err := afero.TempFile(b.fs, filepath.Dir(b.Original), "."+filepath.Base(b.Original)+".restore-*")
	if err != nil {
		return fmt.Errorf("failed to stage restore of %s: %w", b.Original, err)
	}
	stagedPath := staged.Name()
	defer func() {
		if err != nil {
			_ = b.fs.Remove(stagedPath)
		}
	}()

	if err := copyInto(b.fs, b.Path, staged); err != nil {
		return fmt.Errorf("failed to stage restore of %s: %w", b.Original, err)
	}

	if err := b.fs.Rename(stagedPath, b.Original); err != nil {
		// some filesystems refuse to rename over an existing file
		if rmErr := b.fs.Remove(b.Original); rmErr != nil && !errors.Is(rmErr, afero.ErrFileNotFound) {
			return fmt.Errorf("failed to restore %s: %w", b.Original, errors.Join(err, rmErr))
		}
		if err := b.fs.Rename(stagedPath, b.Original); err != nil {
			return fmt.Errorf("failed to restore %s: %w", b.Original, err)
		}
	}

	b.logger.Debug("restored archive from backup", zap.String("original", b.Original), zap.String("backup", b.Path))
	return nil
}

// Discard removes the backup workspace.
func (b *Backup) Discard() error {
	return b.dir.Remove()
}

func copyInto(fs afero.Fs, src string, out afero.File) (err error) {
	defer func() {
		err = errors.Join(err, out.Close())
	}()

	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, in.Close())
	}()

	_, err = io.Copy(out, in)
	return err
}
