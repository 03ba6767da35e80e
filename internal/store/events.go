package store

import (
	"sync"

	"github.com/taskgate-org/taskgate/internal/model"
)

// Subscriber receives task store events. Subscribers run synchronously on
// the post-commit path: keep them fast, or hand work off to your own queue.
type Subscriber func(ev model.Event)

// Publisher is the in-process post-commit event bus. Subscribers never
// observe uncommitted state because publication happens strictly after the
// enclosing transaction commits.
type Publisher struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id int
	fn Subscriber
}

// NewPublisher builds an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Subscribe registers a subscriber and returns a function that removes it.
func (p *Publisher) Subscribe(fn Subscriber) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.subs = append(p.subs, subscription{id: id, fn: fn})
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, s := range p.subs {
			if s.id == id {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				return
			}
		}
	}
}

func (p *Publisher) publish(ev model.Event) {
	p.mu.RLock()
	subs := make([]subscription, len(p.subs))
	copy(subs, p.subs)
	p.mu.RUnlock()
	for _, s := range subs {
		s.fn(ev)
	}
}
