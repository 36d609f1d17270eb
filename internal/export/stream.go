package export

import (
	"context"
	"fmt"
	"io"
)

// Stream writes one exported file to w, typically stdout. A stream has no file boundaries,
// so several entries must go through a Bundle first.
type Stream struct {
	w       io.Writer
	file    string
	written int64
}

func NewStream(w io.Writer) *Stream {
	return &Stream{w: w}
}

func (s *Stream) Name() string {
	if s.file != "" {
		return fmt.Sprintf("stream(%s)", s.file)
	}
	return "stream"
}

func (s *Stream) Kind() string {
	return "stream"
}

// Written returns the number of bytes streamed so far.
func (s *Stream) Written() int64 {
	return s.written
}

func (s *Stream) Write(ctx context.Context, name string, data io.Reader) error {
	if s.file != "" {
		return fmt.Errorf("cannot stream %s after %s: bundle the entries to stream more than one file", name, s.file)
	}
	s.file = name

	n, err := io.Copy(s.w, data)
	s.written += n
	if err != nil {
		return fmt.Errorf("failed to stream %s after %d bytes: %w", name, n, err)
	}
	return nil
}

func (s *Stream) Close(ctx context.Context) error {
	return nil
}
