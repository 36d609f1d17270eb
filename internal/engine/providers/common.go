// Package providers holds the built-in archive providers.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/events"
)

const defaultPriority = 10

// Options are shared by every built-in provider.
type Options struct {
	Fs     afero.Fs
	Bus    *events.Bus
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o Options) reporter(id engine.SessionID) *events.Reporter {
	if o.Bus == nil {
		return nil
	}
	return o.Bus.Reporter(id, events.TopicProgress)
}

// sourceFile is one filesystem item to be stored in an archive.
type sourceFile struct {
	path string
	name string
	info os.FileInfo
}

// expandSources walks directory sources. Every directory, including the source root,
// becomes its own item so that empty folders survive.
func expandSources(fs afero.Fs, sources []engine.Source) ([]sourceFile, error) {
	var files []sourceFile
	for _, src := range sources {
		name := engine.CleanName(src.Name)
		if name == "" {
			name = engine.CleanName(filepath.Base(src.Path))
		}

		info, err := fs.Stat(src.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", src.Path, err)
		}
		if !info.IsDir() {
			files = append(files, sourceFile{path: src.Path, name: name, info: info})
			continue
		}

		err = afero.Walk(fs, src.Path, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && !info.Mode().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(src.Path, p)
			if err != nil {
				return err
			}
			files = append(files, sourceFile{
				path: p,
				name: engine.CleanName(path.Join(name, filepath.ToSlash(rel))),
				info: info,
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk source %s: %w", src.Path, err)
		}
	}
	return files, nil
}

// rewrite produces the archive at target through a temporary sibling file that is
// renamed into place only when fn succeeds.
func rewrite(fs afero.Fs, target string, fn func(w io.Writer) error) (err error) {
	dir := filepath.Dir(target)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = fs.Remove(tmpPath)
		}
	}()

	if err := fn(tmp); err != nil {
		return errors.Join(err, tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	mode := os.FileMode(0o644)
	if info, err := fs.Stat(target); err == nil {
		mode = info.Mode().Perm()
	}
	if err := fs.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("failed to set mode of %s: %w", tmpPath, err)
	}

	if err := fs.Rename(tmpPath, target); err != nil {
		if rmErr := fs.Remove(target); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return fmt.Errorf("failed to replace %s: %w", target, errors.Join(err, rmErr))
		}
		if err := fs.Rename(tmpPath, target); err != nil {
			return fmt.Errorf("failed to replace %s: %w", target, err)
		}
	}
	return nil
}

// writeFile streams r to target, creating parent directories.
func writeFile(fs afero.Fs, target string, r io.Reader) (err error) {
	if err := fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target, err)
	}

	f, err := fs.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	if _, err = io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return nil
}

// copySource copies a source file into w.
func copySource(fs afero.Fs, src string, w io.Writer) (err error) {
	f, err := fs.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	if _, err = io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	return nil
}

// statArchive reports a missing archive as engine.ErrArchiveMissing.
func statArchive(fs afero.Fs, op, path string) (os.FileInfo, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return nil, &engine.OperationError{Op: op, Path: path, Kind: engine.ErrArchiveMissing, Err: err}
	}
	return info, nil
}

// within reports whether name is dir itself or lies below it.
func within(name, dir string) bool {
	return name == dir || strings.HasPrefix(name, dir+"/")
}

// removed reports whether an existing archive member is dropped by deleting entry.
func removed(name string, entry engine.Entry) bool {
	if entry.Dir {
		return within(name, entry.Name)
	}
	return name == entry.Name
}

func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return nil
}

func entryNotFound(op, archive string, entry engine.Entry) error {
	return &engine.OperationError{
		Op:   op,
		Path: archive,
		Kind: engine.ErrStaleReference,
		Err:  fmt.Errorf("entry %q not found", entry.Name),
	}
}
