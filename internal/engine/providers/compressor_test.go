package providers

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infracollect/archivist/internal/archivetest"
	"github.com/infracollect/archivist/internal/engine"
)

func TestCompressor_PayloadName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{path: "/tmp/bundle.tar.gz", want: "bundle.tar"},
		{path: "/tmp/bundle.tgz", want: "bundle.tar"},
		{path: "/tmp/notes.txt.gz", want: "notes.txt"},
		{path: "/tmp/Upper.TXT.GZ", want: "Upper.TXT"},
		{path: "/tmp/odd", want: "odd.out"},
	}

	gz := NewGzip(Options{})
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, gz.PayloadName(tt.path))
		})
	}

	assert.Equal(t, "db.tar", NewZstd(Options{}).PayloadName("db.tar.zst"))
	assert.Equal(t, "db.tar", NewBzip2(Options{}).PayloadName("db.tbz2"))
	assert.Equal(t, "db.tar", NewXz(Options{}).PayloadName("db.tar.xz"))
}

func TestCompressor_Descriptor(t *testing.T) {
	gz := NewGzip(Options{}).Descriptor()
	assert.Equal(t, engine.CapabilityReadWrite, gz.Capability)
	assert.Equal(t, engine.ClassCompressor, gz.Class)
	assert.Equal(t, []string{"gz", "gzip", "tar.gz", "tgz"}, gz.Formats)

	bz := NewBzip2(Options{}).Descriptor()
	assert.Equal(t, engine.CapabilityReadWrite, bz.Capability)
	assert.Equal(t, []string{"bz2", "tar.bz2", "tbz", "tbz2"}, bz.Formats)

	// the read side alone is a read-only provider
	var p engine.Provider = NewXz(Options{}).Compressor
	_, writable := p.(engine.Writer)
	assert.False(t, writable)
	assert.Equal(t, engine.CapabilityRead, p.Descriptor().Capability)
}

func TestGzip_RoundTrip(t *testing.T) {
	opts, dir := newTestOptions(t)
	gz := NewGzip(opts)
	tarball := archivetest.TarBytes(t, archivetest.File{Name: "x.txt", Content: "x"})
	path := archivetest.Write(t, opts.Fs, filepath.Join(dir, "bundle.tar.gz"), archivetest.GzipBytes(t, tarball))

	info, err := gz.GenerateMetadata(t.Context(), path)
	require.NoError(t, err)
	require.Len(t, info.Entries, 1)
	payload := info.Entries[0]
	assert.Equal(t, "bundle.tar", payload.Name)
	assert.Equal(t, int64(len(tarball)), payload.Size)
	assert.False(t, payload.Dir)

	target := filepath.Join(dir, "work", "bundle.tar")
	require.NoError(t, gz.ExtractEntry(t.Context(), 1, target, info, payload))
	assert.Equal(t, tarball, readFile(t, opts.Fs, target))

	updated := archivetest.TarBytes(t, archivetest.File{Name: "y.txt", Content: "y"})
	archivetest.Write(t, opts.Fs, target, updated)
	require.NoError(t, gz.AddEntries(t.Context(), 1, info, engine.Source{Path: target, Name: "bundle.tar"}))
	assert.Equal(t, updated, archivetest.Gunzip(t, readFile(t, opts.Fs, path)))

	require.NoError(t, gz.TestArchive(t.Context(), 1, path))
}

func TestGzip_CreateArchiveRules(t *testing.T) {
	opts, dir := newTestOptions(t)
	gz := NewGzip(opts)
	a := archivetest.Write(t, opts.Fs, filepath.Join(dir, "a.txt"), []byte("a"))
	b := archivetest.Write(t, opts.Fs, filepath.Join(dir, "b.txt"), []byte("b"))
	info := &engine.ArchiveInfo{Path: filepath.Join(dir, "a.txt.gz")}

	require.Error(t, gz.CreateArchive(t.Context(), 1, info, engine.Source{Path: a}, engine.Source{Path: b}))
	require.Error(t, gz.CreateArchive(t.Context(), 1, info, engine.Source{Path: dir}))

	require.NoError(t, gz.CreateArchive(t.Context(), 1, info, engine.Source{Path: a}))
	assert.Equal(t, []byte("a"), archivetest.Gunzip(t, readFile(t, opts.Fs, info.Path)))

	require.Error(t, gz.AddEntries(t.Context(), 1, info, engine.Source{Path: b, Name: "b.txt"}))
	require.Error(t, gz.DeleteEntry(t.Context(), 1, info, engine.NewEntry(0, "a.txt", false)))
}

func TestZstd_Metadata(t *testing.T) {
	opts, dir := newTestOptions(t)
	path := archivetest.Write(t, opts.Fs, filepath.Join(dir, "log.txt.zst"), archivetest.ZstdBytes(t, []byte("hello zstd")))

	info, err := NewZstd(opts).GenerateMetadata(t.Context(), path)
	require.NoError(t, err)
	require.Len(t, info.Entries, 1)
	assert.Equal(t, "log.txt", info.Entries[0].Name)
	assert.Equal(t, int64(10), info.Entries[0].Size)
}

func TestCompressor_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		provider func(Options) *WritableCompressor
		archive  string
		payload  string
		compress func(testing.TB, []byte) []byte
		decode   func(testing.TB, []byte) []byte
	}{
		{name: "bzip2", provider: NewBzip2, archive: "db.tar.bz2", payload: "db.tar", compress: archivetest.Bzip2Bytes, decode: archivetest.Bunzip2},
		{name: "xz", provider: NewXz, archive: "db.txz", payload: "db.tar", compress: archivetest.XzBytes, decode: archivetest.Unxz},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, dir := newTestOptions(t)
			c := tt.provider(opts)
			tarball := archivetest.TarBytes(t, archivetest.File{Name: "x.txt", Content: "x"})
			path := archivetest.Write(t, opts.Fs, filepath.Join(dir, tt.archive), tt.compress(t, tarball))

			info, err := c.GenerateMetadata(t.Context(), path)
			require.NoError(t, err)
			require.Len(t, info.Entries, 1)
			assert.Equal(t, tt.payload, info.Entries[0].Name)
			assert.Equal(t, int64(len(tarball)), info.Entries[0].Size)
			require.NoError(t, c.TestArchive(t.Context(), 1, path))

			target := filepath.Join(dir, "work", tt.payload)
			require.NoError(t, c.ExtractEntry(t.Context(), 1, target, info, info.Entries[0]))
			assert.Equal(t, tarball, readFile(t, opts.Fs, target))

			updated := archivetest.TarBytes(t, archivetest.File{Name: "y.txt", Content: "y"})
			archivetest.Write(t, opts.Fs, target, updated)
			require.NoError(t, c.AddEntries(t.Context(), 1, info, engine.Source{Path: target, Name: tt.payload}))
			assert.Equal(t, updated, tt.decode(t, readFile(t, opts.Fs, path)))
		})
	}
}

func TestGzip_CorruptStream(t *testing.T) {
	opts, dir := newTestOptions(t)
	path := archivetest.Write(t, opts.Fs, filepath.Join(dir, "bad.gz"), []byte("definitely not gzip"))

	gz := NewGzip(opts)
	_, err := gz.GenerateMetadata(t.Context(), path)
	require.Error(t, err)
	require.Error(t, gz.TestArchive(t.Context(), 1, path))
}
