package run

// This file contains the collaborators the runner reports to.

import (
	"context"
	"sync"

	"github.com/perfgo/vtest/model"
)

// Sender delivers runner events (model.EventCollected, model.EventTaskUpdate,
// model.EventLog) to whoever tracks the run state.
type Sender interface {
	Send(event string, payload any)
}

// SenderFunc adapts a function to Sender
type SenderFunc func(event string, payload any)

// Send implements Sender
func (f SenderFunc) Send(event string, payload any) {
	f(event, payload)
}

// MultiSender delivers every event to each sender in order
type MultiSender []Sender

// Send implements Sender
func (m MultiSender) Send(event string, payload any) {
	for _, s := range m {
		s.Send(event, payload)
	}
}

// RecordingSender keeps every event it receives
type RecordingSender struct {
	mu     sync.Mutex
	events []Event
}

// Event is a recorded send
type Event struct {
	Name    string
	Payload any
}

// Send implements Sender
func (r *RecordingSender) Send(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: event, Payload: payload})
}

// Events returns the recorded events in arrival order
func (r *RecordingSender) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Updates returns the recorded task updates flattened in arrival order
func (r *RecordingSender) Updates() []model.TaskResultPack {
	var out []model.TaskResultPack
	for _, e := range r.Events() {
		if packs, ok := e.Payload.([]model.TaskResultPack); ok && e.Name == model.EventTaskUpdate {
			out = append(out, packs...)
		}
	}
	return out
}

type nopSender struct{}

func (nopSender) Send(string, any) {}

// SnapshotClient tracks the running test for snapshot assertions
type SnapshotClient interface {
	SetTest(test *model.Task)
	ClearTest()
	Save(ctx context.Context) error
}

type nopSnapshot struct{}

func (nopSnapshot) SetTest(*model.Task) {}

func (nopSnapshot) ClearTest() {}

func (nopSnapshot) Save(context.Context) error { return nil }

// Recorder is notified when a task reaches a terminal state
type Recorder interface {
	TaskFinished(task *model.Task)
}
