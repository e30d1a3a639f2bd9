package schedule

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a scheduling transition.
type EventType string

const (
	EventStarted   EventType = "started"
	EventPreempted EventType = "preempted"
	EventDiscarded EventType = "discarded"
	EventRejected  EventType = "rejected"
	EventEscalated EventType = "escalated"
	EventAdvanced  EventType = "advanced"
	EventJumped    EventType = "jumped"
	EventTimeout   EventType = "timeout"
	EventAborted   EventType = "aborted"
	EventCompleted EventType = "completed"
	EventLooped    EventType = "looped"
	EventResumed   EventType = "resumed"
)

// Event records one transition of an agent's schedule.
type Event struct {
	AgentID  uuid.UUID `json:"agent_id"`
	Type     EventType `json:"type"`
	Routine  string    `json:"routine"`
	Step     int       `json:"step"`
	StepKind string    `json:"step_kind,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Observer receives events synchronously from Update and Start. It runs on
// the scheduler's goroutine and must not call back into the scheduler.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) { f(e) }
