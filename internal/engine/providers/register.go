package providers

import (
	"slices"

	"github.com/infracollect/archivist/internal/engine"
)

// Builtins returns the providers shipped with archivist.
func Builtins(opts Options) []engine.Provider {
	return []engine.Provider{
		NewZip(opts),
		NewTar(opts),
		NewGzip(opts),
		NewZstd(opts),
		NewBzip2(opts),
		NewXz(opts),
		NewSevenZip(opts),
		NewRar(opts),
	}
}

// RegisterBuiltins registers every built-in provider whose ID is not disabled.
func RegisterBuiltins(registry *engine.Registry, opts Options, disabled ...string) {
	for _, p := range Builtins(opts) {
		if slices.Contains(disabled, p.Descriptor().ID) {
			continue
		}
		registry.Register(p)
	}
}
