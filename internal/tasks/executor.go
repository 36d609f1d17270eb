// Package tasks runs units of work off the interactive goroutine, one mutating task at a
// time per owner, and hands the outcome back through a Dispatcher.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/events"
)

// ErrBusy is returned by Execute with PolicyReject when the owner already runs a task.
var ErrBusy = errors.New("owner is busy")

// Policy decides what happens when the owner lock is held.
type Policy int

const (
	// PolicyReject fails Execute with ErrBusy.
	PolicyReject Policy = iota
	// PolicyQueue waits for the lock on the worker goroutine.
	PolicyQueue
)

// Work is the worker phase of a task. Cancellation through ctx is cooperative.
type Work func(ctx context.Context, progress *events.Reporter) error

// Task is one user-initiated action.
type Task struct {
	// SessionID tags every event of the task. Zero means a fresh id is assigned.
	SessionID engine.SessionID
	// Owner scopes the single-task lock, typically one archive window.
	Owner     string
	Name      string
	Work      Work
	OnSuccess func()
	OnFailure func(*TaskError)
	Policy    Policy
}

// TaskError is the failure of a task, tagged with its session id.
type TaskError struct {
	SessionID engine.SessionID
	Task      string
	Err       error
	// Stack is set when the work panicked.
	Stack string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q (session %s) failed: %v", e.Task, e.SessionID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Handle tracks a submitted task.
type Handle struct {
	sessionID engine.SessionID
	done      chan struct{}
	err       error
}

func (h *Handle) SessionID() engine.SessionID {
	return h.sessionID
}

// Done is closed once the continuation has run on the dispatcher.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task failure. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	return h.err
}

// Wait blocks until Done or ctx is done. It must not be called from the goroutine that
// drains the dispatcher.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Executor struct {
	logger     *zap.Logger
	bus        *events.Bus
	dispatcher Dispatcher

	mu     sync.Mutex
	owners map[string]chan struct{}
	wg     sync.WaitGroup
}

func NewExecutor(logger *zap.Logger, bus *events.Bus, dispatcher Dispatcher) *Executor {
	if dispatcher == nil {
		dispatcher = Inline{}
	}
	return &Executor{
		logger:     logger,
		bus:        bus,
		dispatcher: dispatcher,
		owners:     make(map[string]chan struct{}),
	}
}

// IsBusy reports whether a task currently holds the owner lock. It never blocks.
func (e *Executor) IsBusy(owner string) bool {
	return len(e.lock(owner)) == 1
}

// Hold takes the owner lock outside of any task and fails with ErrBusy when it is taken.
// Until release is called, tasks of the owner are rejected or queued as their policy says.
func (e *Executor) Hold(owner string) (release func(), err error) {
	lock := e.lock(owner)
	select {
	case lock <- struct{}{}:
	default:
		return nil, fmt.Errorf("cannot hold %s: %w", owner, ErrBusy)
	}
	var once sync.Once
	return func() { once.Do(func() { <-lock }) }, nil
}

// Execute starts the task on its own goroutine and returns immediately.
func (e *Executor) Execute(ctx context.Context, task Task) (*Handle, error) {
	if task.Work == nil {
		return nil, fmt.Errorf("task %q has no work", task.Name)
	}
	if task.SessionID == 0 {
		task.SessionID = engine.NewSessionID()
	}

	lock := e.lock(task.Owner)
	acquired := false
	if task.Policy == PolicyReject {
		select {
		case lock <- struct{}{}:
			acquired = true
		default:
			return nil, fmt.Errorf("cannot start %q: %w: %s", task.Name, ErrBusy, task.Owner)
		}
	}

	h := &Handle{sessionID: task.SessionID, done: make(chan struct{})}
	e.wg.Add(1)
	go e.run(ctx, task, lock, acquired, h)
	return h, nil
}

// Wait blocks until every submitted worker phase has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) run(ctx context.Context, task Task, lock chan struct{}, acquired bool, h *Handle) {
	defer e.wg.Done()

	if !acquired {
		select {
		case lock <- struct{}{}:
		case <-ctx.Done():
			taskErr := &TaskError{
				SessionID: task.SessionID,
				Task:      task.Name,
				Err:       fmt.Errorf("waiting for owner %s: %w", task.Owner, ctx.Err()),
			}
			e.publishTerminal(task, taskErr)
			e.finish(task, h, taskErr)
			return
		}
	}

	taskErr := e.runLocked(ctx, task, lock)
	e.finish(task, h, taskErr)
}

// runLocked runs the worker phase while holding the owner lock and always releases it.
func (e *Executor) runLocked(ctx context.Context, task Task, lock chan struct{}) *TaskError {
	defer func() { <-lock }()

	logger := e.logger.With(zap.String("task", task.Name), zap.Stringer("session_id", task.SessionID), zap.String("owner", task.Owner))
	logger.Debug("task started")
	e.bus.Publish(events.Event{
		SessionID: task.SessionID,
		Topic:     events.TopicTaskStarted,
		Message:   task.Name,
		Percent:   events.Indeterminate,
	})

	taskErr := e.invoke(ctx, task)
	if taskErr != nil {
		logger.Warn("task failed", zap.Error(taskErr.Err))
	} else {
		logger.Debug("task completed")
	}
	e.publishTerminal(task, taskErr)
	return taskErr
}

func (e *Executor) invoke(ctx context.Context, task Task) (taskErr *TaskError) {
	defer func() {
		if r := recover(); r != nil {
			taskErr = &TaskError{
				SessionID: task.SessionID,
				Task:      task.Name,
				Err:       fmt.Errorf("panic: %v", r),
				Stack:     string(debug.Stack()),
			}
		}
	}()

	if err := task.Work(ctx, e.bus.Reporter(task.SessionID, events.TopicProgress)); err != nil {
		return &TaskError{SessionID: task.SessionID, Task: task.Name, Err: err}
	}
	return nil
}

func (e *Executor) publishTerminal(task Task, taskErr *TaskError) {
	if taskErr != nil {
		e.bus.Publish(events.Event{
			SessionID: task.SessionID,
			Topic:     events.TopicTaskFailed,
			Message:   taskErr.Err.Error(),
			Percent:   events.Indeterminate,
			Err:       taskErr.Err,
			Detail:    taskErr.Stack,
		})
	} else {
		e.bus.Publish(events.Event{
			SessionID: task.SessionID,
			Topic:     events.TopicTaskCompleted,
			Message:   task.Name,
			Percent:   100,
		})
	}
	e.bus.Forget(task.SessionID)
}

// finish posts exactly one continuation to the dispatcher.
func (e *Executor) finish(task Task, h *Handle, taskErr *TaskError) {
	if taskErr != nil {
		h.err = taskErr
	}
	e.dispatcher.Post(func() {
		defer close(h.done)
		if taskErr != nil {
			if task.OnFailure != nil {
				task.OnFailure(taskErr)
			}
			return
		}
		if task.OnSuccess != nil {
			task.OnSuccess()
		}
	})
}

func (e *Executor) lock(owner string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.owners[owner]
	if !ok {
		l = make(chan struct{}, 1)
		e.owners[owner] = l
	}
	return l
}
