package main

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/events"
)

type interactiveCtxKeyType struct{}

var interactiveCtxKey = interactiveCtxKeyType{}

func isInteractiveEnvironment() bool {
	if os.Getenv("CI") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func withInteractive(ctx context.Context, interactive bool) context.Context {
	return context.WithValue(ctx, interactiveCtxKey, interactive)
}

func isInteractive(ctx context.Context) bool {
	interactive, _ := ctx.Value(interactiveCtxKey).(bool)
	return interactive
}

// progressPrinter renders bus progress as a bar, or as a spinner when the progress cannot be
// measured. One bar is shown at a time and follows the session of the latest event.
type progressPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	bar     *progressbar.ProgressBar
	session engine.SessionID
	spinner bool
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out}
}

// watchProgress prints progress while interactive. The returned function stops printing.
func watchProgress(ctx context.Context, bus *events.Bus) func() {
	if !isInteractive(ctx) {
		return func() {}
	}

	p := newProgressPrinter(os.Stderr)
	ids := []string{
		bus.Subscribe(events.TopicProgress, p.progress),
		bus.Subscribe(events.TopicReintegration, p.progress),
		bus.Subscribe(events.TopicTaskCompleted, p.done),
		bus.Subscribe(events.TopicTaskFailed, p.done),
	}
	return func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
		p.done(events.Event{})
	}
}

func (p *progressPrinter) progress(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	spinner := e.Percent == events.Indeterminate
	if p.bar == nil || p.session != e.SessionID || p.spinner != spinner {
		p.finish()
		p.bar = p.newBar(spinner, e.Message)
		p.session = e.SessionID
		p.spinner = spinner
	}

	p.bar.Describe(e.Message)
	if spinner {
		_ = p.bar.Add(1)
	} else {
		_ = p.bar.Set(e.Percent)
	}
}

func (p *progressPrinter) done(events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finish()
}

func (p *progressPrinter) finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	p.bar = nil
}

func (p *progressPrinter) newBar(spinner bool, message string) *progressbar.ProgressBar {
	opts := []progressbar.Option{
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetDescription(message),
		progressbar.OptionClearOnFinish(),
	}
	if spinner {
		return progressbar.NewOptions(-1, append(opts, progressbar.OptionSpinnerType(14))...)
	}
	return progressbar.NewOptions(100, append(opts,
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer: "█", SaucerHead: "█", SaucerPadding: "░",
			BarStart: "[", BarEnd: "]",
		}),
	)...)
}
