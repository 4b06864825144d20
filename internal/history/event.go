package history

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind tags the variant stored in an Event.
type EventKind string

const (
	EventKindActivity    EventKind = "activity"
	EventKindSubWorkflow EventKind = "sub_workflow"
	EventKindSignal      EventKind = "signal"
	EventKindSignalSend  EventKind = "signal_send"
	EventKindMessageSend EventKind = "message_send"
	EventKindSleep       EventKind = "sleep"
	EventKindLoop        EventKind = "loop"
)

// Event is a typed record of one past action at a location. Once committed
// an event is immutable, except for the bounded in-place updates permitted
// for activities (appending a failed attempt) and loops (advancing the
// iteration counter and final output).
type Event struct {
	Kind     EventKind
	CreateTs time.Time

	// Activity.
	ActivityName string
	InputHash    uint64
	Input        json.RawMessage
	Output       json.RawMessage
	ErrorCount   int
	LastError    string

	// Sub workflow.
	SubWorkflowID   uuid.UUID
	SubWorkflowName string

	// Signal (received) and signal send share these.
	SignalID   uuid.UUID
	SignalName string
	SignalBody json.RawMessage

	// Message send.
	MessageName string

	// Sleep.
	Deadline time.Time

	// Loop.
	Iteration  int
	LoopOutput json.RawMessage
}

// Name returns the identity checked against the code path during replay:
// activity name, sub workflow name, signal name, or message name depending
// on the kind.
func (e *Event) Name() string {
	switch e.Kind {
	case EventKindActivity:
		return e.ActivityName
	case EventKindSubWorkflow:
		return e.SubWorkflowName
	case EventKindSignal, EventKindSignalSend:
		return e.SignalName
	case EventKindMessageSend:
		return e.MessageName
	default:
		return ""
	}
}

// Describe renders "kind(name)" for divergence messages.
func (e *Event) Describe() string {
	if n := e.Name(); n != "" {
		return string(e.Kind) + "(" + n + ")"
	}
	return string(e.Kind)
}

// HasOutput reports whether an activity event recorded a successful result.
func (e *Event) HasOutput() bool {
	return e.Output != nil
}
