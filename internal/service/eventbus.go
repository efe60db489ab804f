package service

import (
	"sync"

	"github.com/bnema/segmentd/internal/domain"
)

// Event is published on every committed state transition.
type Event struct {
	JobID  string
	State  domain.JobState
	Detail string
}

// EventBus fans job transition events out to subscribers. Slow subscribers
// lose events rather than blocking the orchestrator.
type EventBus struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
}

// subscription key for all jobs
const allJobs = "*"

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel of events for one job ID, or for every job
// when id is "*".
func (eb *EventBus) Subscribe(id string) chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, 16)
	eb.subscribers[id] = append(eb.subscribers[id], ch)
	return ch
}

func (eb *EventBus) Unsubscribe(id string, ch chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subscribers[id]
	for i, sub := range subs {
		if sub == ch {
			eb.subscribers[id] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}

	if len(eb.subscribers[id]) == 0 {
		delete(eb.subscribers, id)
	}
}

func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, key := range []string{event.JobID, allJobs} {
		for _, ch := range eb.subscribers[key] {
			select {
			case ch <- event:
			default:
				// Drop event if subscriber is slow
			}
		}
	}
}
