package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/engine"
)

func TestRegisterBuiltins(t *testing.T) {
	registry := engine.NewRegistry(zap.NewNop())
	RegisterBuiltins(registry, Options{}, ZstdProviderID)

	r, ok := registry.ResolveRead("bundle.tar.gz")
	require.True(t, ok)
	assert.Equal(t, GzipProviderID, r.Descriptor().ID)

	r, ok = registry.ResolveRead("app.JAR")
	require.True(t, ok)
	assert.Equal(t, ZipProviderID, r.Descriptor().ID)

	_, ok = registry.ResolveRead("x.tar.zst")
	assert.False(t, ok)

	w, ok := registry.ResolveWrite("x.tar.bz2")
	require.True(t, ok)
	assert.Equal(t, Bzip2ProviderID, w.Descriptor().ID)

	w, ok = registry.ResolveWrite("x.txz")
	require.True(t, ok)
	assert.Equal(t, XzProviderID, w.Descriptor().ID)

	r, ok = registry.ResolveRead("backup.7z")
	require.True(t, ok)
	assert.Equal(t, SevenZipProviderID, r.Descriptor().ID)

	r, ok = registry.ResolveRead("backup.part1.rar")
	require.True(t, ok)
	assert.Equal(t, RarProviderID, r.Descriptor().ID)

	_, err := registry.RequireWrite("backup.7z")
	assert.ErrorIs(t, err, engine.ErrUnsupportedFormat)
	_, ok = registry.ResolveWrite("backup.rar")
	assert.False(t, ok)
}
