// Package events is the status event stream the engine exposes to callers.
// The engine only publishes structured events here; any presentation layer
// subscribes on its own and can never slow a run down.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the lifecycle events a run emits.
type Type string

const (
	RunStarted   Type = "runStarted"
	StepStarted  Type = "stepStarted"
	StepFinished Type = "stepFinished"
	RunFinished  Type = "runFinished"
)

// Event is one structured status notification.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	RunID   string    `json:"runId"`
	SkillID string    `json:"skillId"`
	StepID  string    `json:"stepId,omitempty"`
	// Verdict is set on stepFinished: proceed, retryStep, skipStep, abortSkill.
	Verdict string `json:"verdict,omitempty"`
	// Status is set on runFinished and on stepFinished (step status).
	Status string `json:"status,omitempty"`
	// ErrorKind is the classification kind when the step failed.
	ErrorKind string    `json:"errorKind,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	At        time.Time `json:"at"`
}

// Subscription is a receiver on the bus. Events arrive on C until Cancel is
// called; a subscriber that falls behind its buffer loses events rather
// than blocking the publisher.
type Subscription struct {
	C      <-chan Event
	id     string
	cancel func()
}

// Cancel removes the subscription and closes its channel. Idempotent.
func (s *Subscription) Cancel() {
	s.cancel()
}

type subscriber struct {
	ch    chan Event
	runID string // empty subscribes to all runs
}

// Bus fans events out to subscribers. Publish never blocks.
type Bus struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers a receiver for every run's events.
func (b *Bus) Subscribe(buffer int) *Subscription {
	return b.subscribe("", buffer)
}

// SubscribeRun registers a receiver for one run's events.
func (b *Bus) SubscribeRun(runID string, buffer int) *Subscription {
	return b.subscribe(runID, buffer)
}

func (b *Bus) subscribe(runID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	id := uuid.New().String()
	sub := &subscriber{ch: make(chan Event, buffer), runID: runID}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return &Subscription{
		C:  sub.ch,
		id: id,
		cancel: func() {
			once.Do(func() {
				b.mu.Lock()
				delete(b.subs, id)
				b.mu.Unlock()
				close(sub.ch)
			})
		},
	}
}

// Publish delivers the event to matching subscribers, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.runID != "" && sub.runID != e.RunID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}
