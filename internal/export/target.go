// Package export copies archives and extracted entries to export targets: a local
// directory, a stream, an S3 bucket, or a tarball bundling everything written to it.
package export

import (
	"context"
	"io"
)

// Target receives exported files.
type Target interface {
	Name() string
	Kind() string
	// Write stores data under the slash separated name.
	Write(ctx context.Context, name string, data io.Reader) error
	Close(ctx context.Context) error
}
