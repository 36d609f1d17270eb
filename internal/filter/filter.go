// Package filter selects archive entries with CEL expressions such as
//
//	!dir && size > 1024 && ext == "txt"
//	name.startsWith("docs/") && modified > timestamp("2024-01-01T00:00:00Z")
package filter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/infracollect/archivist/internal/engine"
)

// Filter is a compiled entry expression. It is safe for concurrent use.
type Filter struct {
	source  string
	program cel.Program
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("base", cel.StringType),
		cel.Variable("ext", cel.StringType),
		cel.Variable("size", cel.IntType),
		cel.Variable("compressed", cel.IntType),
		cel.Variable("dir", cel.BoolType),
		cel.Variable("depth", cel.IntType),
		cel.Variable("modified", cel.TimestampType),
		cel.Variable("hash", cel.StringType),
		cel.Variable("meta", cel.MapType(cel.StringType, cel.StringType)),
	)
}

// Compile parses and type-checks expr. The expression must evaluate to a bool.
func Compile(expr string) (*Filter, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, errors.New("filter expression is empty")
	}

	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create filter environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("invalid filter %q: must evaluate to bool, got %s", expr, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter %q: %w", expr, err)
	}
	return &Filter{source: expr, program: program}, nil
}

func (f *Filter) String() string {
	return f.source
}

// Match evaluates the filter against entry.
func (f *Filter) Match(ctx context.Context, entry engine.Entry) (bool, error) {
	out, _, err := f.program.ContextEval(ctx, activation(entry))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter on %s: %w", entry.Name, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter returned %T, expected bool", out.Value())
	}
	return matched, nil
}

// Apply returns the entries matching the filter, in order.
func (f *Filter) Apply(ctx context.Context, entries []engine.Entry) ([]engine.Entry, error) {
	var matched []engine.Entry
	for _, e := range entries {
		ok, err := f.Match(ctx, e)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

func activation(e engine.Entry) map[string]any {
	meta := e.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	return map[string]any{
		"name":       e.Name,
		"base":       e.BaseName(),
		"ext":        extension(e),
		"size":       e.Size,
		"compressed": e.CompressedSize,
		"dir":        e.Dir,
		"depth":      int64(e.Depth),
		"modified":   e.Modified,
		"hash":       e.Hash,
		"meta":       meta,
	}
}

// extension returns the longest extension chain of a file entry, "" for folders and
// names without a dot.
func extension(e engine.Entry) string {
	if e.Dir {
		return ""
	}
	if exts := engine.FileExtensions(e.BaseName()); len(exts) > 0 {
		return exts[0]
	}
	return ""
}
