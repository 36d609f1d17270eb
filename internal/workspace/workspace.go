// Package workspace allocates session-scoped temporary directories and implements the
// backup/restore primitives used when an archive is rewritten in place.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/engine"
)

type Manager struct {
	fs     afero.Fs
	root   string
	logger *zap.Logger
}

func New(fs afero.Fs, root string, logger *zap.Logger) *Manager {
	if root == "" {
		root = filepath.Join(os.TempDir(), "archivist")
	}
	return &Manager{fs: fs, root: filepath.Clean(root), logger: logger}
}

func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) Fs() afero.Fs {
	return m.fs
}

// Create allocates a fresh directory named after the label and session id. Two calls
// never return the same directory, even for the same id.
func (m *Manager) Create(id engine.SessionID, label string) (*Dir, error) {
	if err := m.fs.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root %s: %w", m.root, err)
	}

	path, err := afero.TempDir(m.fs, m.root, fmt.Sprintf("%s-%s-", label, id))
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace for session %s: %w", id, err)
	}

	m.logger.Debug("created workspace", zap.String("path", path), zap.Stringer("session_id", id))
	return &Dir{fs: m.fs, Path: path}, nil
}

// Dir is a workspace directory exclusively owned by one session.
type Dir struct {
	fs   afero.Fs
	Path string
}

// Join returns a path inside the workspace.
func (d *Dir) Join(elem ...string) string {
	return filepath.Join(append([]string{d.Path}, elem...)...)
}

// Remove deletes the workspace and everything in it. Removing twice is not an error.
func (d *Dir) Remove() error {
	if err := d.fs.RemoveAll(d.Path); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", d.Path, err)
	}
	return nil
}

// Exists reports whether the workspace is still on disk.
func (d *Dir) Exists() bool {
	ok, err := afero.DirExists(d.fs, d.Path)
	return err == nil && ok
}

// CopyFile copies src to dst, creating parent directories and keeping the file mode.
func CopyFile(fs afero.Fs, src, dst string) (err error) {
	info, err := fs.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	in, err := fs.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() {
		err = errors.Join(err, in.Close())
	}()

	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}

	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()

	if _, err = io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return nil
}
