package providers

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/archivetest"
	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/events"
)

func newTestOptions(t *testing.T) (Options, string) {
	t.Helper()
	return Options{Fs: afero.NewOsFs(), Logger: zap.NewNop()}, t.TempDir()
}

func names(info *engine.ArchiveInfo) []string {
	var out []string
	for _, e := range info.Entries {
		out = append(out, e.Name)
	}
	return out
}

func readFile(t *testing.T, fs afero.Fs, path string) []byte {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return data
}

func TestZip_GenerateMetadata(t *testing.T) {
	opts, dir := newTestOptions(t)
	path := archivetest.Write(t, opts.Fs, filepath.Join(dir, "a.zip"), archivetest.ZipBytes(t,
		archivetest.File{Name: "docs/"},
		archivetest.File{Name: "docs/readme.txt", Content: "hello"},
		archivetest.File{Name: "a/inner.zip", Content: "not really"},
	))

	info, err := NewZip(opts).GenerateMetadata(t.Context(), path)
	require.NoError(t, err)

	assert.Equal(t, []string{"docs", "docs/readme.txt", "a/inner.zip"}, names(info))
	assert.True(t, info.Entries[0].Dir)
	assert.Equal(t, 0, info.Entries[0].Depth)
	assert.Equal(t, 1, info.Entries[1].Depth)
	assert.Equal(t, int64(5), info.Entries[1].Size)
	assert.NotEmpty(t, info.Entries[1].Hash)
	assert.Equal(t, 2, info.Entries[2].Index)
}

func TestZip_MissingArchive(t *testing.T) {
	opts, dir := newTestOptions(t)
	_, err := NewZip(opts).GenerateMetadata(t.Context(), filepath.Join(dir, "gone.zip"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrArchiveMissing))
}

func TestZip_ExtractEntry(t *testing.T) {
	opts, dir := newTestOptions(t)
	z := NewZip(opts)
	path := archivetest.Write(t, opts.Fs, filepath.Join(dir, "a.zip"), archivetest.ZipBytes(t,
		archivetest.File{Name: "docs/readme.txt", Content: "hello"},
	))
	info, err := z.GenerateMetadata(t.Context(), path)
	require.NoError(t, err)

	target := filepath.Join(dir, "out", "readme.txt")
	require.NoError(t, z.ExtractEntry(t.Context(), 1, target, info, info.Entries[0]))
	assert.Equal(t, "hello", string(readFile(t, opts.Fs, target)))

	err = z.ExtractEntry(t.Context(), 1, target, info, engine.NewEntry(9, "nope.txt", false))
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrStaleReference)
}

func TestZip_AddAndDelete(t *testing.T) {
	opts, dir := newTestOptions(t)
	z := NewZip(opts)
	path := archivetest.Write(t, opts.Fs, filepath.Join(dir, "a.zip"), archivetest.ZipBytes(t,
		archivetest.File{Name: "keep.txt", Content: "keep"},
		archivetest.File{Name: "replace.txt", Content: "old"},
	))

	srcDir := filepath.Join(dir, "src")
	archivetest.Write(t, opts.Fs, filepath.Join(srcDir, "replace.txt"), []byte("new"))
	archivetest.Write(t, opts.Fs, filepath.Join(srcDir, "folder", "one.txt"), []byte("1"))
	archivetest.Write(t, opts.Fs, filepath.Join(srcDir, "folder", "two.txt"), []byte("2"))

	info := &engine.ArchiveInfo{Path: path}
	err := z.AddEntries(t.Context(), 1, info,
		engine.Source{Path: filepath.Join(srcDir, "replace.txt"), Name: "replace.txt"},
		engine.Source{Path: filepath.Join(srcDir, "folder"), Name: "sub/folder"},
	)
	require.NoError(t, err)

	members := archivetest.ReadZip(t, readFile(t, opts.Fs, path))
	assert.Equal(t, []string{"keep.txt", "replace.txt", "sub/folder/", "sub/folder/one.txt", "sub/folder/two.txt"}, archivetest.Keys(members))
	assert.Equal(t, "new", members["replace.txt"])
	assert.Equal(t, "keep", members["keep.txt"])

	listed, err := z.GenerateMetadata(t.Context(), path)
	require.NoError(t, err)
	folder, ok := listed.Find("sub/folder")
	require.True(t, ok)
	require.NoError(t, z.DeleteEntry(t.Context(), 1, listed, folder))

	members = archivetest.ReadZip(t, readFile(t, opts.Fs, path))
	assert.Equal(t, []string{"keep.txt", "replace.txt"}, archivetest.Keys(members))

	err = z.DeleteEntry(t.Context(), 1, listed, engine.NewEntry(0, "missing.txt", false))
	assert.ErrorIs(t, err, engine.ErrStaleReference)

	leftovers, err := afero.Glob(opts.Fs, filepath.Join(dir, ".a.zip.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestZip_CreateAndTest(t *testing.T) {
	opts, dir := newTestOptions(t)
	bus := events.NewBus(zap.NewNop())
	var mu sync.Mutex
	var progress []events.Event
	bus.Subscribe(events.TopicProgress, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, e)
	})
	opts.Bus = bus
	z := NewZip(opts)

	src := archivetest.Write(t, opts.Fs, filepath.Join(dir, "x.txt"), []byte("x"))
	path := filepath.Join(dir, "new", "created.jar")
	require.NoError(t, z.CreateArchive(t.Context(), 5, &engine.ArchiveInfo{Path: path}, engine.Source{Path: src, Name: "x.txt"}))

	members := archivetest.ReadZip(t, readFile(t, opts.Fs, path))
	assert.Equal(t, map[string]string{"x.txt": "x"}, members)

	require.NoError(t, z.TestArchive(t.Context(), 5, path))
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, progress)
	assert.Equal(t, engine.SessionID(5), progress[0].SessionID)
}

func TestZip_TestArchiveDetectsCorruption(t *testing.T) {
	opts, dir := newTestOptions(t)
	data := archivetest.ZipBytes(t, archivetest.File{Name: "a.txt", Content: "some content that deflates"})
	// the member data follows the 30 byte local header, the name and the extra field
	start := 30 + int(binary.LittleEndian.Uint16(data[26:])) + int(binary.LittleEndian.Uint16(data[28:]))
	require.Less(t, start, len(data))
	data[start] ^= 0xff
	path := archivetest.Write(t, opts.Fs, filepath.Join(dir, "bad.zip"), data)

	require.Error(t, NewZip(opts).TestArchive(t.Context(), 1, path))
}
