package providers

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/mholt/archives"

	"github.com/infracollect/archivist/internal/engine"
)

const (
	GzipProviderID  = "gzip"
	ZstdProviderID  = "zstd"
	Bzip2ProviderID = "bzip2"
	XzProviderID    = "xz"
)

type codec struct {
	newReader func(r io.Reader) (io.ReadCloser, error)
	newWriter func(w io.Writer) (io.WriteCloser, error)
}

// Compressor reads single-payload formats. The payload is named after the archive:
// "backup.tar.gz" holds "backup.tar", "notes.txt.gz" holds "notes.txt".
type Compressor struct {
	opts     Options
	id       string
	payloads map[string]string // format -> suffix of the payload name
	codec    codec
}

// WritableCompressor is a Compressor that can also recreate its archive. The embedded
// Compressor on its own is a read-only provider.
type WritableCompressor struct {
	*Compressor
}

func NewGzip(opts Options) *WritableCompressor {
	return &WritableCompressor{&Compressor{
		opts:     opts.withDefaults(),
		id:       GzipProviderID,
		payloads: map[string]string{"gz": "", "gzip": "", "tgz": ".tar", "tar.gz": ".tar"},
		codec: codec{
			newReader: func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) },
			newWriter: func(w io.Writer) (io.WriteCloser, error) { return gzip.NewWriter(w), nil },
		},
	}}
}

func NewZstd(opts Options) *WritableCompressor {
	return &WritableCompressor{&Compressor{
		opts:     opts.withDefaults(),
		id:       ZstdProviderID,
		payloads: map[string]string{"zst": "", "zstd": "", "tzst": ".tar", "tar.zst": ".tar"},
		codec: codec{
			newReader: func(r io.Reader) (io.ReadCloser, error) {
				d, err := zstd.NewReader(r)
				if err != nil {
					return nil, err
				}
				return d.IOReadCloser(), nil
			},
			newWriter: func(w io.Writer) (io.WriteCloser, error) { return zstd.NewWriter(w) },
		},
	}}
}

func NewBzip2(opts Options) *WritableCompressor {
	bz := archives.Bz2{CompressionLevel: 9}
	return &WritableCompressor{&Compressor{
		opts:     opts.withDefaults(),
		id:       Bzip2ProviderID,
		payloads: map[string]string{"bz2": "", "tbz2": ".tar", "tbz": ".tar", "tar.bz2": ".tar"},
		codec:    codec{newReader: bz.OpenReader, newWriter: bz.OpenWriter},
	}}
}

func NewXz(opts Options) *WritableCompressor {
	xz := archives.Xz{}
	return &WritableCompressor{&Compressor{
		opts:     opts.withDefaults(),
		id:       XzProviderID,
		payloads: map[string]string{"xz": "", "txz": ".tar", "tar.xz": ".tar"},
		codec:    codec{newReader: xz.OpenReader, newWriter: xz.OpenWriter},
	}}
}

func (c *Compressor) Descriptor() engine.Descriptor {
	return c.descriptor(engine.CapabilityRead)
}

func (w *WritableCompressor) Descriptor() engine.Descriptor {
	return w.descriptor(engine.CapabilityReadWrite)
}

func (c *Compressor) descriptor(capability engine.Capability) engine.Descriptor {
	formats := make([]string, 0, len(c.payloads))
	for format := range c.payloads {
		formats = append(formats, format)
	}
	slices.Sort(formats)

	return engine.Descriptor{
		ID:         c.id,
		Capability: capability,
		Formats:    formats,
		Class:      engine.ClassCompressor,
		Priority:   defaultPriority,
	}
}

// PayloadName returns the name of the single entry held by the archive at path.
func (c *Compressor) PayloadName(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)

	formats := make([]string, 0, len(c.payloads))
	for format := range c.payloads {
		formats = append(formats, format)
	}
	// longest first so "tar.gz" wins over "gz"
	slices.SortFunc(formats, func(a, b string) int { return cmp.Compare(len(b), len(a)) })

	for _, format := range formats {
		if stem, ok := strings.CutSuffix(lower, "."+format); ok && stem != "" {
			return base[:len(stem)] + c.payloads[format]
		}
	}
	return base + ".out"
}

func (c *Compressor) GenerateMetadata(ctx context.Context, path string) (*engine.ArchiveInfo, error) {
	stat, err := statArchive(c.opts.Fs, "list", path)
	if err != nil {
		return nil, err
	}

	crc := crc32.NewIEEE()
	var size int64
	err = c.decompress(path, func(r io.Reader) error {
		n, copyErr := io.Copy(crc, r)
		size = n
		return copyErr
	})
	if err != nil {
		return nil, err
	}

	entry := engine.NewEntry(0, c.PayloadName(path), false)
	entry.Size = size
	entry.CompressedSize = stat.Size()
	entry.Modified = stat.ModTime()
	entry.Hash = fmt.Sprintf("%08x", crc.Sum32())

	return &engine.ArchiveInfo{Path: path, Format: c.id, Entries: []engine.Entry{entry}}, nil
}

func (c *Compressor) ExtractEntry(ctx context.Context, id engine.SessionID, target string, info *engine.ArchiveInfo, entry engine.Entry) error {
	if entry.Name != c.PayloadName(info.Path) {
		return entryNotFound("extract", info.Path, entry)
	}
	c.opts.reporter(id).Indeterminate("decompressing " + entry.Name)
	return c.decompress(info.Path, func(r io.Reader) error {
		return writeFile(c.opts.Fs, target, r)
	})
}

func (c *Compressor) TestArchive(ctx context.Context, id engine.SessionID, path string) error {
	progress := c.opts.reporter(id)
	progress.Indeterminate("testing " + filepath.Base(path))
	err := c.decompress(path, func(r io.Reader) error {
		_, err := io.Copy(io.Discard, r)
		return err
	})
	if err != nil {
		return err
	}
	progress.Progress("test complete", 100)
	return nil
}

func (c *Compressor) decompress(path string, fn func(r io.Reader) error) (err error) {
	if _, err := statArchive(c.opts.Fs, "decompress", path); err != nil {
		return err
	}

	f, err := c.opts.Fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	rc, err := c.codec.newReader(f)
	if err != nil {
		return fmt.Errorf("failed to open %s stream %s: %w", c.id, path, err)
	}
	defer func() {
		err = errors.Join(err, rc.Close())
	}()

	if err := fn(rc); err != nil {
		return fmt.Errorf("failed to decompress %s: %w", path, err)
	}
	return nil
}

// CreateArchive compresses exactly one file source into info.Path.
func (w *WritableCompressor) CreateArchive(ctx context.Context, id engine.SessionID, info *engine.ArchiveInfo, sources ...engine.Source) error {
	if len(sources) != 1 {
		return fmt.Errorf("%s archives hold exactly one payload, got %d sources", w.id, len(sources))
	}
	src := sources[0]
	stat, err := w.opts.Fs.Stat(src.Path)
	if err != nil {
		return fmt.Errorf("failed to stat source %s: %w", src.Path, err)
	}
	if stat.IsDir() {
		return fmt.Errorf("%s archives cannot hold folder %s", w.id, src.Path)
	}
	if err := checkContext(ctx); err != nil {
		return err
	}

	w.opts.reporter(id).Indeterminate("compressing " + filepath.Base(src.Path))
	return rewrite(w.opts.Fs, info.Path, func(out io.Writer) error {
		cw, err := w.codec.newWriter(out)
		if err != nil {
			return fmt.Errorf("failed to create %s writer: %w", w.id, err)
		}
		if err := copySource(w.opts.Fs, src.Path, cw); err != nil {
			return errors.Join(err, cw.Close())
		}
		if err := cw.Close(); err != nil {
			return fmt.Errorf("failed to close %s writer: %w", w.id, err)
		}
		return nil
	})
}

// AddEntries can only replace the payload itself.
func (w *WritableCompressor) AddEntries(ctx context.Context, id engine.SessionID, info *engine.ArchiveInfo, sources ...engine.Source) error {
	if _, err := statArchive(w.opts.Fs, "add", info.Path); err != nil {
		return err
	}
	payload := w.PayloadName(info.Path)
	if len(sources) != 1 || engine.CleanName(sources[0].Name) != payload {
		return fmt.Errorf("%s archives hold exactly one payload named %q", w.id, payload)
	}
	return w.CreateArchive(ctx, id, info, sources...)
}

func (w *WritableCompressor) DeleteEntry(ctx context.Context, id engine.SessionID, info *engine.ArchiveInfo, entry engine.Entry) error {
	return fmt.Errorf("cannot delete %q: %s archives hold exactly one payload", entry.Name, w.id)
}
