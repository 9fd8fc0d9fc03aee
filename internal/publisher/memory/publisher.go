// Package memory records published job events in memory. It backs local runs
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Event captures one publish call.
type Event struct {
	Name    string
	Payload any
}

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
	err    error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err. A nil err restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the event and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, event string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, Event{Name: event, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns a copy of the recorded events, optionally filtered by name.
func (p *Publisher) Events(name string) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, 0, len(p.events))
	for _, e := range p.events {
		if name == "" || e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
