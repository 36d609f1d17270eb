package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/engine"
)

const defaultCommandTimeout = 5 * time.Minute

// CommandConfig describes an external archiver. Every operation is a program and its
// arguments; the placeholders {archive}, {entry}, {target} and {source} are substituted.
// The request is also sent as JSON on stdin. List must print a JSON array of entries.
type CommandConfig struct {
	ID       string
	Formats  []string
	Class    engine.FormatClass
	Priority int

	List    []string
	Extract []string
	Test    []string
	Add     []string
	Delete  []string

	Timeout    time.Duration
	WorkingDir string
	Env        map[string]string
}

// commandEntry is one element of the List output.
type commandEntry struct {
	Name           string            `json:"name"`
	Size           int64             `json:"size"`
	CompressedSize int64             `json:"compressed_size"`
	Modified       time.Time         `json:"modified"`
	Dir            bool              `json:"dir"`
	Hash           string            `json:"hash"`
	Meta           map[string]string `json:"meta"`
}

// commandRequest is written to the program's stdin.
type commandRequest struct {
	Op      string `json:"op"`
	Archive string `json:"archive"`
	Entry   string `json:"entry,omitempty"`
	Target  string `json:"target,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Command is a read-only provider backed by an external program.
type Command struct {
	cfg    CommandConfig
	logger *zap.Logger
}

// WritableCommand is a Command that can also add and delete entries.
type WritableCommand struct {
	*Command
}

// NewCommand returns a Command, or a WritableCommand when both Add and Delete are set.
func NewCommand(cfg CommandConfig, logger *zap.Logger) (engine.Provider, error) {
	if cfg.ID == "" {
		return nil, errors.New("command provider id is required")
	}
	if len(cfg.Formats) == 0 {
		return nil, fmt.Errorf("command provider %s declares no formats", cfg.ID)
	}
	if len(cfg.List) == 0 || len(cfg.Extract) == 0 {
		return nil, fmt.Errorf("command provider %s requires list and extract programs", cfg.ID)
	}
	if (len(cfg.Add) == 0) != (len(cfg.Delete) == 0) {
		return nil, fmt.Errorf("command provider %s must set both add and delete, or neither", cfg.ID)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCommandTimeout
	}
	if cfg.Class == "" {
		cfg.Class = engine.ClassContainer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Command{cfg: cfg, logger: logger.Named("command").With(zap.String("provider", cfg.ID))}
	if len(cfg.Add) > 0 {
		return &WritableCommand{c}, nil
	}
	return c, nil
}

func (c *Command) Descriptor() engine.Descriptor {
	capability := engine.CapabilityRead
	if len(c.cfg.Add) > 0 {
		capability = engine.CapabilityReadWrite
	}
	return engine.Descriptor{
		ID:         c.cfg.ID,
		Capability: capability,
		Formats:    c.cfg.Formats,
		Class:      c.cfg.Class,
		Priority:   c.cfg.Priority,
	}
}

func (c *Command) GenerateMetadata(ctx context.Context, path string) (*engine.ArchiveInfo, error) {
	out, err := c.run(ctx, c.cfg.List, commandRequest{Op: "list", Archive: path})
	if err != nil {
		return nil, err
	}

	var listed []commandEntry
	if err := json.Unmarshal(out, &listed); err != nil {
		return nil, fmt.Errorf("failed to parse %s listing as JSON: %w", c.cfg.ID, err)
	}

	info := &engine.ArchiveInfo{Path: path, Format: c.cfg.ID}
	for _, l := range listed {
		entry := engine.NewEntry(len(info.Entries), l.Name, l.Dir)
		if entry.Name == "" {
			continue
		}
		entry.Size = l.Size
		entry.CompressedSize = l.CompressedSize
		entry.Modified = l.Modified
		entry.Hash = l.Hash
		entry.Meta = l.Meta
		info.Entries = append(info.Entries, entry)
	}
	return info, nil
}

func (c *Command) ExtractEntry(ctx context.Context, id engine.SessionID, target string, info *engine.ArchiveInfo, entry engine.Entry) error {
	_, err := c.run(ctx, c.cfg.Extract, commandRequest{Op: "extract", Archive: info.Path, Entry: entry.Name, Target: target})
	return err
}

func (c *Command) TestArchive(ctx context.Context, id engine.SessionID, path string) error {
	if len(c.cfg.Test) == 0 {
		_, err := c.GenerateMetadata(ctx, path)
		return err
	}
	_, err := c.run(ctx, c.cfg.Test, commandRequest{Op: "test", Archive: path})
	return err
}

func (w *WritableCommand) AddEntries(ctx context.Context, id engine.SessionID, info *engine.ArchiveInfo, sources ...engine.Source) error {
	for _, src := range sources {
		req := commandRequest{Op: "add", Archive: info.Path, Entry: engine.CleanName(src.Name), Source: src.Path}
		if _, err := w.run(ctx, w.cfg.Add, req); err != nil {
			return err
		}
	}
	return nil
}

func (w *WritableCommand) DeleteEntry(ctx context.Context, id engine.SessionID, info *engine.ArchiveInfo, entry engine.Entry) error {
	_, err := w.run(ctx, w.cfg.Delete, commandRequest{Op: "delete", Archive: info.Path, Entry: entry.Name})
	return err
}

// CreateArchive adds the sources to a fresh archive; the external tool creates the file
// on first add.
func (w *WritableCommand) CreateArchive(ctx context.Context, id engine.SessionID, info *engine.ArchiveInfo, sources ...engine.Source) error {
	return w.AddEntries(ctx, id, info, sources...)
}

func (c *Command) run(ctx context.Context, program []string, req commandRequest) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	args := expand(program, req)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = c.cfg.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", req.Op, err)
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("invoking external archiver", zap.String("op", req.Op), zap.Strings("program", args))
	start := time.Now()
	err = cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	c.logger.Debug("external archiver finished",
		zap.String("op", req.Op),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", time.Since(start)),
	)

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %s timed out after %s: %s", c.cfg.ID, req.Op, c.cfg.Timeout, msg)
		}
		if msg != "" {
			return nil, fmt.Errorf("%s %s failed: %w: %s", c.cfg.ID, req.Op, err, msg)
		}
		return nil, fmt.Errorf("%s %s failed: %w", c.cfg.ID, req.Op, err)
	}
	return stdout.Bytes(), nil
}

func expand(program []string, req commandRequest) []string {
	replacer := strings.NewReplacer(
		"{archive}", req.Archive,
		"{entry}", req.Entry,
		"{target}", req.Target,
		"{source}", req.Source,
	)
	args := make([]string, len(program))
	for i, arg := range program {
		args[i] = replacer.Replace(arg)
	}
	return args
}
