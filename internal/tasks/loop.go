package tasks

import (
	"context"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher runs continuations on the interactive goroutine.
type Dispatcher interface {
	Post(fn func())
}

// Inline runs continuations immediately on the calling goroutine.
type Inline struct{}

func (Inline) Post(fn func()) { fn() }

// Loop is an unbounded FIFO of continuations drained by the goroutine that calls Run
// or RunUntil. Post never blocks, so workers can always hand work back.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
	logger *zap.Logger
}

func NewLoop(logger *zap.Logger) *Loop {
	return &Loop{
		notify: make(chan struct{}, 1),
		logger: logger,
	}
}

// Post enqueues fn.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	return l.RunUntil(ctx, nil)
}

// RunUntil drains the queue until done is closed or ctx is done. Continuations already
// queued when done closes are still run.
func (l *Loop) RunUntil(ctx context.Context, done <-chan struct{}) error {
	for {
		l.drain()
		select {
		case <-done:
			l.drain()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-l.notify:
		}
	}
}

// Pending returns the number of queued continuations.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.call(fn)
	}
}

func (l *Loop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("continuation panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}
