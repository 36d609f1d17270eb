// Package archivetest builds archive fixtures for tests.
package archivetest

import (
	"archive/tar"
	"bytes"
	"io"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/mholt/archives"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// File is one fixture member. Names ending in "/" are folders.
type File struct {
	Name    string
	Content string
}

var fixtureTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// ZipBytes returns a zip archive holding files.
func ZipBytes(t testing.TB, files ...File) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Deflate, Modified: fixtureTime})
		require.NoError(t, err)
		if f.Content != "" {
			_, err = io.WriteString(w, f.Content)
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// TarBytes returns an uncompressed tar archive holding files.
func TarBytes(t testing.TB, files ...File) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		hdr := &tar.Header{Name: f.Name, Mode: 0o644, Size: int64(len(f.Content)), ModTime: fixtureTime, Typeflag: tar.TypeReg}
		if len(f.Name) > 0 && f.Name[len(f.Name)-1] == '/' {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := io.WriteString(tw, f.Content)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// GzipBytes compresses payload with gzip.
func GzipBytes(t testing.TB, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

// ZstdBytes compresses payload with zstd.
func ZstdBytes(t testing.TB, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// Bzip2Bytes compresses payload with bzip2.
func Bzip2Bytes(t testing.TB, payload []byte) []byte {
	t.Helper()
	return compress(t, archives.Bz2{}, payload)
}

// XzBytes compresses payload with xz.
func XzBytes(t testing.TB, payload []byte) []byte {
	t.Helper()
	return compress(t, archives.Xz{}, payload)
}

func compress(t testing.TB, c archives.Compressor, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := c.OpenWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// Write stores data at path, creating parent directories.
func Write(t testing.TB, fs afero.Fs, path string, data []byte) string {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fs, path, data, 0o644))
	return path
}

// ReadZip returns name -> content for every member of a zip archive.
func ReadZip(t testing.TB, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	found := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		found[f.Name] = string(content)
	}
	return found
}

// ReadTar returns name -> content for every member of an uncompressed tar archive.
func ReadTar(t testing.TB, data []byte) map[string]string {
	t.Helper()
	tr := tar.NewReader(bytes.NewReader(data))
	found := make(map[string]string)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		found[h.Name] = string(content)
	}
	return found
}

// Gunzip decompresses gzip data.
func Gunzip(t testing.TB, data []byte) []byte {
	t.Helper()
	gr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	out, err := io.ReadAll(gr)
	require.NoError(t, err)
	require.NoError(t, gr.Close())
	return out
}

// Unzstd decompresses zstd data.
func Unzstd(t testing.TB, data []byte) []byte {
	t.Helper()
	zr, err := zstd.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer zr.Close()
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	return out
}

// Bunzip2 decompresses bzip2 data.
func Bunzip2(t testing.TB, data []byte) []byte {
	t.Helper()
	return decompress(t, archives.Bz2{}, data)
}

// Unxz decompresses xz data.
func Unxz(t testing.TB, data []byte) []byte {
	t.Helper()
	return decompress(t, archives.Xz{}, data)
}

func decompress(t testing.TB, d archives.Decompressor, data []byte) []byte {
	t.Helper()
	r, err := d.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer r.Close()
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return out
}

// Keys returns the sorted keys of a member map.
func Keys(members map[string]string) []string {
	keys := lo.Keys(members)
	slices.Sort(keys)
	return keys
}
