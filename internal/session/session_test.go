package session

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/archivetest"
	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/engine/providers"
)

func newRegistry(fs afero.Fs) *engine.Registry {
	registry := engine.NewRegistry(zap.NewNop())
	providers.RegisterBuiltins(registry, providers.Options{Fs: fs})
	return registry
}

func openZip(t *testing.T, files ...archivetest.File) (*Session, afero.Fs) {
	t.Helper()
	fs := afero.NewOsFs()
	path := archivetest.Write(t, fs, filepath.Join(t.TempDir(), "a.zip"), archivetest.ZipBytes(t, files...))
	s, err := Open(t.Context(), newRegistry(fs), fs, path, nil)
	require.NoError(t, err)
	return s, fs
}

func visibleNames(s *Session) []string {
	var out []string
	for _, e := range s.Visible() {
		out = append(out, e.Name)
	}
	return out
}

func TestOpen(t *testing.T) {
	s, _ := openZip(t, archivetest.File{Name: "x.txt", Content: "x"})

	assert.NotZero(t, s.ID())
	assert.False(t, s.ReadOnly())
	assert.Nil(t, s.Parent())
	assert.Equal(t, providers.ZipProviderID, s.Reader().Descriptor().ID)
	require.Len(t, s.Entries(), 1)
	assert.Equal(t, "x.txt", s.Entries()[0].Name)
	assert.NoError(t, s.Mutable())
}

func TestOpen_Unsupported(t *testing.T) {
	fs := afero.NewOsFs()
	path := archivetest.Write(t, fs, filepath.Join(t.TempDir(), "notes.txt"), []byte("hi"))

	_, err := Open(t.Context(), newRegistry(fs), fs, path, nil)
	assert.ErrorIs(t, err, engine.ErrUnsupportedFormat)
}

func TestOpen_ReadOnly(t *testing.T) {
	fs := afero.NewOsFs()
	path := archivetest.Write(t, fs, filepath.Join(t.TempDir(), "notes.txt.bz2"), archivetest.Bzip2Bytes(t, []byte("hi")))
	registry := newRegistry(fs)
	registry.Register(providers.NewBzip2(providers.Options{Fs: fs}).Compressor)

	s, err := Open(t.Context(), registry, fs, path, nil)
	require.NoError(t, err)
	assert.True(t, s.ReadOnly())
	assert.ErrorIs(t, s.Mutable(), engine.ErrUnsupportedFormat)
}

func TestSession_Navigation(t *testing.T) {
	s, _ := openZip(t,
		archivetest.File{Name: "a/inner.zip", Content: "z"},
		archivetest.File{Name: "a/b/deep.txt", Content: "d"},
		archivetest.File{Name: "docs/"},
		archivetest.File{Name: "top.txt", Content: "t"},
	)

	assert.Equal(t, []string{"a", "docs", "top.txt"}, visibleNames(s))
	assert.Equal(t, -1, s.Visible()[0].Index)
	assert.True(t, s.Visible()[0].Dir)

	require.NoError(t, s.Enter("a"))
	assert.Equal(t, "a", s.Prefix())
	assert.Equal(t, []string{"a/inner.zip", "a/b"}, visibleNames(s))

	require.NoError(t, s.Enter("a/b"))
	assert.Equal(t, []string{"a/b/deep.txt"}, visibleNames(s))

	assert.True(t, s.Up())
	assert.Equal(t, "a", s.Prefix())
	assert.True(t, s.Up())
	assert.Equal(t, "", s.Prefix())
	assert.False(t, s.Up())

	assert.ErrorIs(t, s.Enter("top.txt"), engine.ErrInvalidState)
	require.NoError(t, s.Enter("docs"))
	assert.Empty(t, s.Visible())

	assert.Len(t, s.Entries(), 4)
}

func TestSession_DisableAndBusy(t *testing.T) {
	s, _ := openZip(t, archivetest.File{Name: "x.txt", Content: "x"})

	s.Disable()
	s.Disable()
	assert.True(t, s.Disabled())
	assert.ErrorIs(t, s.Mutable(), engine.ErrSessionDisabled)

	s.Enable()
	assert.True(t, s.Disabled())
	s.Enable()
	s.Enable()
	assert.False(t, s.Disabled())

	s.SetBusy(true)
	assert.ErrorIs(t, s.Mutable(), engine.ErrSessionDisabled)
	s.SetBusy(false)
	assert.NoError(t, s.Mutable())
}

func TestSession_ArchiveMissing(t *testing.T) {
	s, fs := openZip(t, archivetest.File{Name: "x.txt", Content: "x"})
	require.NoError(t, fs.Remove(s.Path()))

	assert.ErrorIs(t, s.CheckLive(), engine.ErrArchiveMissing)
	assert.ErrorIs(t, s.Reload(t.Context()), engine.ErrArchiveMissing)
	assert.Len(t, s.Entries(), 1)
}

func TestTable(t *testing.T) {
	s, fs := openZip(t, archivetest.File{Name: "x.txt", Content: "x"})
	dup, err := Open(t.Context(), newRegistry(fs), fs, s.Path(), nil)
	require.NoError(t, err)

	table := NewTable()
	require.NoError(t, table.Claim(s))
	require.NoError(t, table.Claim(s))
	assert.ErrorIs(t, table.Claim(dup), engine.ErrInvalidState)

	got, ok := table.Lookup(filepath.Join(filepath.Dir(s.Path()), ".", "a.zip"))
	require.True(t, ok)
	assert.Same(t, s, got)

	assert.False(t, table.Release(dup))
	assert.True(t, table.Release(s))
	assert.Zero(t, table.Len())
	require.NoError(t, table.Claim(dup))
	assert.Equal(t, []*Session{dup}, table.Sessions())
}
