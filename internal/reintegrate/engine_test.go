package reintegrate

import (
	"context"
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
	"github.com/infracollect/archivist/internal/engine/providers"
	"github.com/infracollect/archivist/internal/events"
	"github.com/infracollect/archivist/internal/session"
	"github.com/infracollect/archivist/internal/workspace"
)

type brokenZip struct {
	*providers.Zip
}

func (b *brokenZip) Descriptor() engine.Descriptor {
	d := b.Zip.Descriptor()
	d.ID, d.Priority = "broken-zip", 100
	return d
}

func (b *brokenZip) AddEntries(context.Context, engine.SessionID, *engine.ArchiveInfo, ...engine.Source) error {
	return errors.New("add refused")
}

type brokenGzip struct {
	*providers.WritableCompressor
}

func (b *brokenGzip) Descriptor() engine.Descriptor {
	d := b.WritableCompressor.Descriptor()
	d.ID, d.Priority = "broken-gzip", 100
	return d
}

func (b *brokenGzip) CreateArchive(context.Context, engine.SessionID, *engine.ArchiveInfo, ...engine.Source) error {
	return errors.New("create refused")
}

type env struct {
	fs     afero.Fs
	dir    string
	ws     *workspace.Manager
	engine *Engine
	events []events.Event
	mu     sync.Mutex
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{fs: afero.NewOsFs(), dir: t.TempDir()}
	e.ws = workspace.New(e.fs, filepath.Join(e.dir, "work"), zap.NewNop())
	bus := events.NewBus(zap.NewNop())
	bus.Subscribe(events.TopicReintegration, func(ev events.Event) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.events = append(e.events, ev)
	})
	e.engine = New(e.ws, bus, zap.NewNop())
	return e
}

func (e *env) registry(extra ...engine.Provider) *engine.Registry {
	registry := engine.NewRegistry(zap.NewNop())
	providers.RegisterBuiltins(registry, providers.Options{Fs: e.fs})
	for _, p := range extra {
		registry.Register(p)
	}
	return registry
}

// openChild extracts entry from parent and opens it as a nested session.
func (e *env) openChild(t *testing.T, parent *session.Session, name string) (*session.Session, engine.Entry) {
	t.Helper()
	entry, ok := parent.Find(name)
	require.True(t, ok)

	dir, err := e.ws.Create(parent.ID(), "session")
	require.NoError(t, err)
	target := dir.Join(entry.BaseName())
	require.NoError(t, parent.Reader().ExtractEntry(t.Context(), parent.ID(), target, parent.Info(), entry))

	child, err := session.Open(t.Context(), e.registry(), e.fs, target, &session.ParentLink{Session: parent, Entry: entry, ParentPath: parent.Path()})
	require.NoError(t, err)
	return child, entry
}

func (e *env) read(t *testing.T, path string) []byte {
	t.Helper()
	data, err := afero.ReadFile(e.fs, path)
	require.NoError(t, err)
	return data
}

func addFile(t *testing.T, e *env, s *session.Session, name, content string) {
	t.Helper()
	src := archivetest.Write(t, e.fs, filepath.Join(e.dir, "src", name), []byte(content))
	require.NoError(t, s.Writer().AddEntries(t.Context(), s.ID(), s.Info(), engine.Source{Path: src, Name: name}))
	require.NoError(t, s.Reload(t.Context()))
}

func TestReintegrate_Container(t *testing.T) {
	e := newEnv(t)
	inner := archivetest.ZipBytes(t, archivetest.File{Name: "old.txt", Content: "old"})
	path := archivetest.Write(t, e.fs, filepath.Join(e.dir, "parent.zip"), archivetest.ZipBytes(t,
		archivetest.File{Name: "a/inner.zip", Content: string(inner)},
		archivetest.File{Name: "keep.txt", Content: "keep"},
	))
	parent, err := session.Open(t.Context(), e.registry(), e.fs, path, nil)
	require.NoError(t, err)

	child, entry := e.openChild(t, parent, "a/inner.zip")
	addFile(t, e, child, "x.txt", "x")

	rec, err := e.engine.Reintegrate(t.Context(), parent.ID(), parent, child, entry)
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, StateCommitted, rec.State)
	assert.False(t, parent.Busy())

	exists, err := afero.Exists(e.fs, rec.BackupPath)
	require.NoError(t, err)
	assert.False(t, exists, "backup is removed after commit")

	members := archivetest.ReadZip(t, e.read(t, path))
	assert.Equal(t, []string{"a/inner.zip", "keep.txt"}, archivetest.Keys(members))
	nested := archivetest.ReadZip(t, []byte(members["a/inner.zip"]))
	assert.Equal(t, map[string]string{"old.txt": "old", "x.txt": "x"}, nested)

	updated, ok := parent.Find("a/inner.zip")
	require.True(t, ok)
	assert.NotEqual(t, entry.Size, updated.Size, "parent is reloaded")

	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.events)
	assert.Equal(t, 100, e.events[len(e.events)-1].Percent)
}

func TestReintegrate_Compressor(t *testing.T) {
	e := newEnv(t)
	tarball := archivetest.TarBytes(t, archivetest.File{Name: "old.txt", Content: "old"})
	path := archivetest.Write(t, e.fs, filepath.Join(e.dir, "bundle.tar.gz"), archivetest.GzipBytes(t, tarball))
	parent, err := session.Open(t.Context(), e.registry(), e.fs, path, nil)
	require.NoError(t, err)

	child, entry := e.openChild(t, parent, "bundle.tar")
	assert.Equal(t, providers.TarProviderID, child.Reader().Descriptor().ID)
	addFile(t, e, child, "new.txt", "new")

	rec, err := e.engine.Reintegrate(t.Context(), parent.ID(), parent, child, entry)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, rec.State)

	members := archivetest.ReadTar(t, archivetest.Gunzip(t, e.read(t, path)))
	assert.Equal(t, map[string]string{"old.txt": "old", "new.txt": "new"}, members)
}

func TestReintegrate_RestoresOnFailure(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		data   func(t *testing.T) []byte
		broken func(fs afero.Fs) engine.Provider
		entry  string
	}{
		{
			name: "container",
			file: "parent.zip",
			data: func(t *testing.T) []byte {
				inner := archivetest.ZipBytes(t, archivetest.File{Name: "old.txt", Content: "old"})
				return archivetest.ZipBytes(t, archivetest.File{Name: "a/inner.zip", Content: string(inner)})
			},
			broken: func(fs afero.Fs) engine.Provider {
				return &brokenZip{providers.NewZip(providers.Options{Fs: fs})}
			},
			entry: "a/inner.zip",
		},
		{
			name: "compressor",
			file: "bundle.tar.gz",
			data: func(t *testing.T) []byte {
				return archivetest.GzipBytes(t, archivetest.TarBytes(t, archivetest.File{Name: "old.txt", Content: "old"}))
			},
			broken: func(fs afero.Fs) engine.Provider {
				return &brokenGzip{providers.NewGzip(providers.Options{Fs: fs})}
			},
			entry: "bundle.tar",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			path := archivetest.Write(t, e.fs, filepath.Join(e.dir, tt.file), tt.data(t))
			before := e.read(t, path)

			parent, err := session.Open(t.Context(), e.registry(tt.broken(e.fs)), e.fs, path, nil)
			require.NoError(t, err)
			child, entry := e.openChild(t, parent, tt.entry)
			addFile(t, e, child, "x.txt", "x")

			rec, err := e.engine.Reintegrate(t.Context(), parent.ID(), parent, child, entry)
			require.Error(t, err)
			assert.ErrorIs(t, err, engine.ErrReintegrationFailed)
			assert.ErrorIs(t, err, engine.ErrProviderOperationFailed)
			assert.Equal(t, StateRestored, rec.State)
			assert.False(t, rec.Success)
			assert.False(t, parent.Busy())
			assert.Equal(t, before, e.read(t, path))
		})
	}
}

func TestReintegrate_ReadOnlyParent(t *testing.T) {
	e := newEnv(t)
	path := archivetest.Write(t, e.fs, filepath.Join(e.dir, "empty.tar.bz2"), archivetest.Bzip2Bytes(t, archivetest.TarBytes(t)))
	// the bzip2 read side replaces the writable built-in
	registry := e.registry(providers.NewBzip2(providers.Options{Fs: e.fs}).Compressor)
	parent, err := session.Open(t.Context(), registry, e.fs, path, nil)
	require.NoError(t, err)

	child, err := session.Open(t.Context(), registry, e.fs, path, nil)
	require.NoError(t, err)

	rec, err := e.engine.Reintegrate(t.Context(), parent.ID(), parent, child, parent.Entries()[0])
	assert.ErrorIs(t, err, engine.ErrReintegrationFailed)
	assert.ErrorIs(t, err, engine.ErrUnsupportedFormat)
	assert.Equal(t, StateIdle, rec.State)
	assert.Empty(t, rec.BackupPath)
}

func TestReintegrate_MissingParent(t *testing.T) {
	e := newEnv(t)
	path := archivetest.Write(t, e.fs, filepath.Join(e.dir, "parent.zip"), archivetest.ZipBytes(t,
		archivetest.File{Name: "inner.zip", Content: string(archivetest.ZipBytes(t))},
	))
	parent, err := session.Open(t.Context(), e.registry(), e.fs, path, nil)
	require.NoError(t, err)
	child, entry := e.openChild(t, parent, "inner.zip")
	require.NoError(t, e.fs.Remove(path))

	_, err = e.engine.Reintegrate(t.Context(), parent.ID(), parent, child, entry)
	assert.ErrorIs(t, err, engine.ErrArchiveMissing)
	assert.ErrorIs(t, err, engine.ErrReintegrationFailed)
}
