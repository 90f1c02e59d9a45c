// Package memory provides an in-memory Publisher for tests: completion
// events are recorded instead of leaving the process.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Event is one recorded publish call.
type Event struct {
	Topic   string
	Payload any
}

// Publisher records completion events for later inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
}

// New returns an empty recording Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a sequential pseudo message ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Topic: topic, Payload: payload})
	return fmt.Sprintf("mem-%d", len(p.events)), nil
}

// Events returns a copy of everything published so far.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// ByTopic returns the recorded events published to topic, in order.
func (p *Publisher) ByTopic(topic string) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Event
	for _, evt := range p.events {
		if evt.Topic == topic {
			out = append(out, evt)
		}
	}
	return out
}
