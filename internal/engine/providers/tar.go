package providers

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"

	"github.com/samber/lo"

	"github.com/infracollect/archivist/internal/engine"
)

const TarProviderID = "tar"

// Tar reads and writes uncompressed tar containers. Compressed tarballs are handled by the
// compressor providers, whose single payload is the tar itself.
type Tar struct {
	opts Options
}

func NewTar(opts Options) *Tar {
	return &Tar{opts: opts.withDefaults()}
}

func (t *Tar) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		ID:         TarProviderID,
		Capability: engine.CapabilityReadWrite,
		Formats:    []string{"tar"},
		Class:      engine.ClassContainer,
		Priority:   defaultPriority,
	}
}

func (t *Tar) GenerateMetadata(ctx context.Context, path string) (*engine.ArchiveInfo, error) {
	info := &engine.ArchiveInfo{Path: path, Format: TarProviderID}
	err := t.eachMember(ctx, path, "list", func(hdr *tar.Header, r io.Reader) error {
		name := engine.CleanName(hdr.Name)
		if name == "" {
			return nil
		}

		entry := engine.NewEntry(len(info.Entries), name, hdr.Typeflag == tar.TypeDir)
		entry.Size = hdr.Size
		entry.CompressedSize = hdr.Size
		entry.Modified = hdr.ModTime
		entry.Meta = map[string]string{
			"mode":     strconv.FormatInt(hdr.Mode, 8),
			"typeflag": string(hdr.Typeflag),
		}
		if hdr.Linkname != "" {
			entry.Meta["link"] = hdr.Linkname
		}
		if hdr.Typeflag == tar.TypeReg {
			crc := crc32.NewIEEE()
			if _, err := io.Copy(crc, r); err != nil {
				return fmt.Errorf("failed to read tar entry %s: %w", name, err)
			}
			entry.Hash = fmt.Sprintf("%08x", crc.Sum32())
		}

		info.Entries = append(info.Entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (t *Tar) ExtractEntry(ctx context.Context, id engine.SessionID, target string, info *engine.ArchiveInfo, entry engine.Entry) error {
	if entry.Dir {
		return t.opts.Fs.MkdirAll(target, 0o755)
	}

	progress := t.opts.reporter(id)
	found := false
	err := t.eachMember(ctx, info.Path, "extract", func(hdr *tar.Header, r io.Reader) error {
		if found || engine.CleanName(hdr.Name) != entry.Name {
			return nil
		}
		if hdr.Typeflag != tar.TypeReg {
			return fmt.Errorf("cannot extract tar entry %s of type %q", entry.Name, hdr.Typeflag)
		}
		found = true
		progress.Indeterminate("extracting " + entry.Name)
		return writeFile(t.opts.Fs, target, r)
	})
	if err != nil {
		return err
	}
	if !found {
		return entryNotFound("extract", info.Path, entry)
	}
	return nil
}

func (t *Tar) TestArchive(ctx context.Context, id engine.SessionID, path string) error {
	progress := t.opts.reporter(id)
	count := 0
	err := t.eachMember(ctx, path, "test", func(hdr *tar.Header, r io.Reader) error {
		count++
		progress.Indeterminate("testing " + hdr.Name)
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("tar entry %s is corrupt: %w", hdr.Name, err)
		}
		if hdr.Typeflag == tar.TypeReg && n != hdr.Size {
			return fmt.Errorf("tar entry %s is truncated: read %d of %d bytes", hdr.Name, n, hdr.Size)
		}
		return nil
	})
	if err != nil {
		return err
	}
	progress.Progress(fmt.Sprintf("tested %d entries", count), 100)
	return nil
}

func (t *Tar) AddEntries(ctx context.Context, id engine.SessionID, info *engine.ArchiveInfo, sources ...engine.Source) error {
	if _, err := statArchive(t.opts.Fs, "add", info.Path); err != nil {
		return err
	}
	files, err := expandSources(t.opts.Fs, sources)
	if err != nil {
		return err
	}
	added := lo.SliceToMap(files, func(f sourceFile) (string, struct{}) {
		return f.name, struct{}{}
	})

	_, err = t.rewrite(ctx, id, info.Path, func(name string) bool {
		_, replaced := added[name]
		return !replaced
	}, files)
	return err
}

func (t *Tar) DeleteEntry(ctx context.Context, id engine.SessionID, info *engine.ArchiveInfo, entry engine.Entry) error {
	if _, err := statArchive(t.opts.Fs, "delete", info.Path); err != nil {
		return err
	}

	dropped, err := t.rewrite(ctx, id, info.Path, func(name string) bool {
		return !removed(name, entry)
	}, nil)
	if err != nil {
		return err
	}
	if dropped == 0 && !entry.Dir {
		return entryNotFound("delete", info.Path, entry)
	}
	return nil
}

func (t *Tar) CreateArchive(ctx context.Context, id engine.SessionID, info *engine.ArchiveInfo, sources ...engine.Source) error {
	files, err := expandSources(t.opts.Fs, sources)
	if err != nil {
		return err
	}

	progress := t.opts.reporter(id)
	return rewrite(t.opts.Fs, info.Path, func(w io.Writer) error {
		tw := tar.NewWriter(w)
		if err := t.writeSources(ctx, tw, files, progress.Step); err != nil {
			return errors.Join(err, tw.Close())
		}
		return tw.Close()
	})
}

// rewrite copies the members accepted by keep into a new tar, appends files and replaces
// the original. It returns the number of members dropped.
func (t *Tar) rewrite(ctx context.Context, id engine.SessionID, path string, keep func(name string) bool, files []sourceFile) (int, error) {
	progress := t.opts.reporter(id)
	dropped := 0
	err := rewrite(t.opts.Fs, path, func(w io.Writer) error {
		tw := tar.NewWriter(w)
		err := t.eachMember(ctx, path, "rewrite", func(hdr *tar.Header, r io.Reader) error {
			if !keep(engine.CleanName(hdr.Name)) {
				dropped++
				return nil
			}
			progress.Indeterminate("copying " + hdr.Name)
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("failed to copy tar header %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(tw, r); err != nil {
				return fmt.Errorf("failed to copy tar entry %s: %w", hdr.Name, err)
			}
			return nil
		})
		if err != nil {
			return errors.Join(err, tw.Close())
		}
		if err := t.writeSources(ctx, tw, files, progress.Step); err != nil {
			return errors.Join(err, tw.Close())
		}
		return tw.Close()
	})
	return dropped, err
}

func (t *Tar) writeSources(ctx context.Context, tw *tar.Writer, files []sourceFile, step func(string, int, int)) error {
	for i, f := range files {
		if err := checkContext(ctx); err != nil {
			return err
		}
		step("adding "+f.name, i, len(files))

		hdr, err := tar.FileInfoHeader(f.info, "")
		if err != nil {
			return fmt.Errorf("failed to build tar header for %s: %w", f.name, err)
		}
		hdr.Name = f.name
		if f.info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", f.name, err)
		}
		if f.info.IsDir() {
			continue
		}
		if err := copySource(t.opts.Fs, f.path, tw); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tar) eachMember(ctx context.Context, path, op string, fn func(hdr *tar.Header, r io.Reader) error) (err error) {
	if _, err := statArchive(t.opts.Fs, op, path); err != nil {
		return err
	}

	f, err := t.opts.Fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	tr := tar.NewReader(f)
	for {
		if err := checkContext(ctx); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar archive %s: %w", path, err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}
