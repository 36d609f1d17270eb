package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/samber/lo"

	"github.com/infracollect/archivist/internal/engine"
)

const ZipProviderID = "zip"

// Zip reads and writes zip-based containers (zip, jar, war, ear).
type Zip struct {
	opts Options
}

func NewZip(opts Options) *Zip {
	return &Zip{opts: opts.withDefaults()}
}

func (z *Zip) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		ID:         ZipProviderID,
		Capability: engine.CapabilityReadWrite,
		Formats:    []string{"zip", "jar", "war", "ear"},
		Class:      engine.ClassContainer,
		Priority:   defaultPriority,
	}
}

func (z *Zip) GenerateMetadata(ctx context.Context, path string) (*engine.ArchiveInfo, error) {
	var info *engine.ArchiveInfo
	err := z.withReader(path, "list", func(r *zip.Reader) error {
		info = &engine.ArchiveInfo{Path: path, Format: ZipProviderID}
		for _, f := range r.File {
			name := engine.CleanName(f.Name)
			if name == "" {
				continue
			}
			entry := engine.NewEntry(len(info.Entries), name, f.FileInfo().IsDir())
			entry.Size = int64(f.UncompressedSize64)
			entry.CompressedSize = int64(f.CompressedSize64)
			entry.Modified = f.Modified
			entry.Hash = fmt.Sprintf("%08x", f.CRC32)
			entry.Meta = map[string]string{"method": strconv.Itoa(int(f.Method))}
			if f.Comment != "" {
				entry.Meta["comment"] = f.Comment
			}
			info.Entries = append(info.Entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (z *Zip) ExtractEntry(ctx context.Context, id engine.SessionID, target string, info *engine.ArchiveInfo, entry engine.Entry) error {
	progress := z.opts.reporter(id)
	return z.withReader(info.Path, "extract", func(r *zip.Reader) error {
		f, ok := lo.Find(r.File, func(f *zip.File) bool {
			return engine.CleanName(f.Name) == entry.Name
		})
		if !ok {
			if entry.Dir {
				return z.opts.Fs.MkdirAll(target, 0o755)
			}
			return entryNotFound("extract", info.Path, entry)
		}
		if f.FileInfo().IsDir() {
			return z.opts.Fs.MkdirAll(target, 0o755)
		}

		progress.Indeterminate("extracting " + entry.Name)
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open zip entry %s: %w", entry.Name, err)
		}
		defer rc.Close()

		return writeFile(z.opts.Fs, target, rc)
	})
}

func (z *Zip) TestArchive(ctx context.Context, id engine.SessionID, path string) error {
	progress := z.opts.reporter(id)
	return z.withReader(path, "test", func(r *zip.Reader) error {
		for i, f := range r.File {
			if err := checkContext(ctx); err != nil {
				return err
			}
			progress.Step("testing "+f.Name, i, len(r.File))
			if f.FileInfo().IsDir() {
				continue
			}
			if err := verifyZipFile(f); err != nil {
				return err
			}
		}
		progress.Progress("test complete", 100)
		return nil
	})
}

func (z *Zip) AddEntries(ctx context.Context, id engine.SessionID, info *engine.ArchiveInfo, sources ...engine.Source) error {
	if _, err := statArchive(z.opts.Fs, "add", info.Path); err != nil {
		return err
	}
	files, err := expandSources(z.opts.Fs, sources)
	if err != nil {
		return err
	}
	added := lo.SliceToMap(files, func(f sourceFile) (string, struct{}) {
		return f.name, struct{}{}
	})

	return z.rewrite(ctx, id, info.Path, func(name string) bool {
		_, replaced := added[name]
		return !replaced
	}, files)
}

func (z *Zip) DeleteEntry(ctx context.Context, id engine.SessionID, info *engine.ArchiveInfo, entry engine.Entry) error {
	if _, err := statArchive(z.opts.Fs, "delete", info.Path); err != nil {
		return err
	}

	found := false
	err := z.rewrite(ctx, id, info.Path, func(name string) bool {
		if removed(name, entry) {
			found = true
			return false
		}
		return true
	}, nil)
	if err != nil {
		return err
	}
	if !found && !entry.Dir {
		return entryNotFound("delete", info.Path, entry)
	}
	return nil
}

func (z *Zip) CreateArchive(ctx context.Context, id engine.SessionID, info *engine.ArchiveInfo, sources ...engine.Source) error {
	files, err := expandSources(z.opts.Fs, sources)
	if err != nil {
		return err
	}

	progress := z.opts.reporter(id)
	return rewrite(z.opts.Fs, info.Path, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		if err := z.writeSources(ctx, zw, files, progress.Step); err != nil {
			return errors.Join(err, zw.Close())
		}
		return zw.Close()
	})
}

// rewrite copies the members accepted by keep into a new archive, appends files and
// replaces the original.
func (z *Zip) rewrite(ctx context.Context, id engine.SessionID, path string, keep func(name string) bool, files []sourceFile) error {
	progress := z.opts.reporter(id)
	return z.withReader(path, "rewrite", func(r *zip.Reader) error {
		return rewrite(z.opts.Fs, path, func(w io.Writer) error {
			zw := zip.NewWriter(w)
			total := len(r.File) + len(files)
			for i, f := range r.File {
				if err := checkContext(ctx); err != nil {
					return errors.Join(err, zw.Close())
				}
				if !keep(engine.CleanName(f.Name)) {
					continue
				}
				progress.Step("copying "+f.Name, i, total)
				if err := copyZipFile(zw, f); err != nil {
					return errors.Join(err, zw.Close())
				}
			}
			step := func(msg string, done, _ int) {
				progress.Step(msg, len(r.File)+done, total)
			}
			if err := z.writeSources(ctx, zw, files, step); err != nil {
				return errors.Join(err, zw.Close())
			}
			return zw.Close()
		})
	})
}

func (z *Zip) writeSources(ctx context.Context, zw *zip.Writer, files []sourceFile, step func(string, int, int)) error {
	for i, f := range files {
		if err := checkContext(ctx); err != nil {
			return err
		}
		step("adding "+f.name, i, len(files))

		fh, err := zip.FileInfoHeader(f.info)
		if err != nil {
			return fmt.Errorf("failed to build zip header for %s: %w", f.name, err)
		}
		fh.Name = f.name
		if f.info.IsDir() {
			fh.Name += "/"
			if _, err := zw.CreateHeader(fh); err != nil {
				return fmt.Errorf("failed to add zip folder %s: %w", f.name, err)
			}
			continue
		}

		fh.Method = zip.Deflate
		w, err := zw.CreateHeader(fh)
		if err != nil {
			return fmt.Errorf("failed to add zip entry %s: %w", f.name, err)
		}
		if err := copySource(z.opts.Fs, f.path, w); err != nil {
			return err
		}
	}
	return nil
}

func (z *Zip) withReader(path, op string, fn func(r *zip.Reader) error) (err error) {
	stat, err := statArchive(z.opts.Fs, op, path)
	if err != nil {
		return err
	}

	f, err := z.opts.Fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	r, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return fmt.Errorf("failed to read zip archive %s: %w", path, err)
	}
	return fn(r)
}

func copyZipFile(zw *zip.Writer, f *zip.File) error {
	fh := &zip.FileHeader{
		Name:          f.Name,
		Comment:       f.Comment,
		Method:        f.Method,
		Modified:      f.Modified,
		ExternalAttrs: f.ExternalAttrs,
	}
	fh.CreatorVersion = f.CreatorVersion

	w, err := zw.CreateHeader(fh)
	if err != nil {
		return fmt.Errorf("failed to copy zip entry %s: %w", f.Name, err)
	}
	if strings.HasSuffix(f.Name, "/") {
		return nil
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("failed to copy zip entry %s: %w", f.Name, err)
	}
	return nil
}

func verifyZipFile(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("zip entry %s is corrupt: %w", f.Name, err)
	}
	return nil
}
