package export

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/mholt/archives"
)

type Compression string

const (
	CompressionGzip  Compression = "gzip"
	CompressionZstd  Compression = "zstd"
	CompressionBzip2 Compression = "bzip2"
	CompressionXz    Compression = "xz"
	CompressionNone  Compression = "none"
)

// Extension returns the file extension of a bundle with this compression.
func (c Compression) Extension() string {
	switch c {
	case CompressionGzip:
		return ".tar.gz"
	case CompressionZstd:
		return ".tar.zst"
	case CompressionBzip2:
		return ".tar.bz2"
	case CompressionXz:
		return ".tar.xz"
	default:
		return ".tar"
	}
}

// Bundle collects every write into one in-memory tarball and hands it to the inner target
// on Close.
type Bundle struct {
	inner      Target
	name       string
	buf        *bytes.Buffer
	compressor io.WriteCloser
	tw         *tar.Writer
	closed     bool
}

// NewBundle creates a bundle written to inner as name plus the compression extension.
// An empty compression defaults to gzip.
func NewBundle(inner Target, name string, compression Compression) (*Bundle, error) {
	if compression == "" {
		compression = CompressionGzip
	}

	buf := new(bytes.Buffer)
	var compressor io.WriteCloser
	switch compression {
	case CompressionGzip:
		compressor = gzip.NewWriter(buf)
	case CompressionZstd:
		zw, err := zstd.NewWriter(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		compressor = zw
	case CompressionBzip2, CompressionXz:
		var c archives.Compressor = archives.Bz2{CompressionLevel: 9}
		if compression == CompressionXz {
			c = archives.Xz{}
		}
		w, err := c.OpenWriter(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s writer: %w", compression, err)
		}
		compressor = w
	case CompressionNone:
		compressor = nopWriteCloser{buf}
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", compression)
	}

	return &Bundle{
		inner:      inner,
		name:       name + compression.Extension(),
		buf:        buf,
		compressor: compressor,
		tw:         tar.NewWriter(compressor),
	}, nil
}

func (b *Bundle) Name() string {
	return fmt.Sprintf("bundle(%s)->%s", b.name, b.inner.Name())
}

func (b *Bundle) Kind() string {
	return "bundle"
}

func (b *Bundle) Write(ctx context.Context, name string, data io.Reader) error {
	if b.closed {
		return errors.New("bundle is closed")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	// tar needs the size up front
	content, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}

	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := b.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", name, err)
	}
	if _, err := b.tw.Write(content); err != nil {
		return fmt.Errorf("failed to write %s to bundle: %w", name, err)
	}
	return nil
}

// Close finalizes the tarball, writes it to the inner target and closes that target.
func (b *Bundle) Close(ctx context.Context) error {
	if b.closed {
		return errors.New("bundle already closed")
	}
	b.closed = true

	if err := b.tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := b.compressor.Close(); err != nil {
		return fmt.Errorf("failed to close compressor: %w", err)
	}

	if err := b.inner.Write(ctx, b.name, bytes.NewReader(b.buf.Bytes())); err != nil {
		return fmt.Errorf("failed to write bundle to %s: %w", b.inner.Name(), err)
	}
	if err := b.inner.Close(ctx); err != nil {
		return fmt.Errorf("failed to close %s: %w", b.inner.Name(), err)
	}
	return nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}
