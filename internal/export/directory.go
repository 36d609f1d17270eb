package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
)

// Directory writes files below a root directory.
type Directory struct {
	root string
	fs   afero.Fs
}

// NewDirectory creates root if needed and confines every write to it.
func NewDirectory(fs afero.Fs, root string) (*Directory, error) {
	root = filepath.Clean(root)
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", root, err)
	}
	return &Directory{root: root, fs: afero.NewBasePathFs(fs, root)}, nil
}

func (d *Directory) Name() string {
	return fmt.Sprintf("directory(%s)", d.root)
}

func (d *Directory) Kind() string {
	return "directory"
}

func (d *Directory) Write(ctx context.Context, name string, data io.Reader) (err error) {
	name = filepath.FromSlash(name)
	if dir := filepath.Dir(name); dir != "." {
		if err := d.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	f, err := d.fs.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	if _, err = io.Copy(f, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (d *Directory) Close(ctx context.Context) error {
	return nil
}
