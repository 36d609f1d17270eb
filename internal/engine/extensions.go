package engine

import (
	"path"
	"strings"
)

// Extensions returns the candidate format tokens for a file name or bare extension,
// longest first: "backup.tar.gz" yields ["tar.gz", "gz"]. Inputs without a separator that
// start with a dot or hold no dot at all are bare extensions (".tar.gz", "zip"). Paths
// follow FileExtensions.
func Extensions(nameOrExt string) []string {
	s := normalizeName(nameOrExt)
	if strings.Contains(s, "/") {
		return FileExtensions(s)
	}

	switch {
	case strings.HasPrefix(s, "."):
		return extensionChain(strings.TrimLeft(s, "."))
	case !strings.Contains(s, "."):
		return extensionChain(s)
	default:
		return FileExtensions(s)
	}
}

// FileExtensions returns the format tokens of a file or entry name, longest first. A base
// name without a dot past its leading dots has none: "usr/bin/tar" and ".zip" yield nil.
func FileExtensions(name string) []string {
	base := path.Base(normalizeName(name))
	stem := strings.TrimLeft(base, ".")
	i := strings.Index(stem, ".")
	if i < 0 {
		return nil
	}
	return extensionChain(stem[i+1:])
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "\\", "/")
}

func extensionChain(chain string) []string {
	var exts []string
	for chain != "" {
		exts = append(exts, chain)
		i := strings.Index(chain, ".")
		if i < 0 {
			break
		}
		chain = chain[i+1:]
	}
	return exts
}
