// Package events is the progress and error broadcast bus shared by every archive window.
// The core only publishes; observers (UI, logging) subscribe.
package events

import (
	"time"

	"github.com/infracollect/archivist/internal/engine"
)

const (
	// TopicAll subscribes to every topic.
	TopicAll = "*"

	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicProgress      = "progress"
	TopicReintegration = "reintegration"
)

// Indeterminate is the Percent value of events without a measurable progress.
const Indeterminate = -1

// Event is one structured message on the bus.
type Event struct {
	SessionID engine.SessionID
	Topic     string
	Message   string
	Percent   int
	// Seq is assigned by the bus and increases by one per event of the same session.
	Seq  uint64
	Time time.Time
	// Err and Detail are set on terminal failure events. Detail holds a stack trace when
	// the failure was a panic.
	Err    error
	Detail string
}

// Terminal reports whether the event ends a task.
func (e Event) Terminal() bool {
	return e.Topic == TopicTaskCompleted || e.Topic == TopicTaskFailed
}

// Reporter publishes progress for one session id under a fixed topic.
// A nil Reporter discards everything.
type Reporter struct {
	bus   *Bus
	id    engine.SessionID
	topic string
}

// Reporter returns a reporter bound to the session id and topic.
func (b *Bus) Reporter(id engine.SessionID, topic string) *Reporter {
	return &Reporter{bus: b, id: id, topic: topic}
}

// Progress publishes a progress message. Percent is clamped to [0, 100].
func (r *Reporter) Progress(message string, percent int) {
	if r == nil {
		return
	}
	percent = min(max(percent, 0), 100)
	r.bus.Publish(Event{SessionID: r.id, Topic: r.topic, Message: message, Percent: percent})
}

// Step publishes progress for item done out of total.
func (r *Reporter) Step(message string, done, total int) {
	if total <= 0 {
		r.Indeterminate(message)
		return
	}
	r.Progress(message, done*100/total)
}

// Indeterminate publishes a message without a progress value.
func (r *Reporter) Indeterminate(message string) {
	if r == nil {
		return
	}
	r.bus.Publish(Event{SessionID: r.id, Topic: r.topic, Message: message, Percent: Indeterminate})
}

// SessionID returns the session the reporter publishes for.
func (r *Reporter) SessionID() engine.SessionID {
	if r == nil {
		return 0
	}
	return r.id
}
