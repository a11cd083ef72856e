package bus

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process broker implementing the same delivery semantics
// as NATS for single-process runs and tests: fan-out subscriptions each
// receive a copy, queue groups (named after the subject) deliver to one
// member round-robin, and request/reply takes the first reply. Delivery is
// synchronous in the publisher's goroutine, which keeps tests
// deterministic; handlers must not hold locks across bus calls, same as in
// production.
type Memory struct {
	mu     sync.RWMutex
	fanout map[string][]*memorySub
	queues map[string][]*memorySub
	rr     map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		fanout: make(map[string][]*memorySub),
		queues: make(map[string][]*memorySub),
		rr:     make(map[string]int),
	}
}

// Client creates a connection handle onto the broker. Each logical service
// gets its own client, mirroring one NATS connection per process.
func (m *Memory) Client(name string) *MemoryClient {
	return &MemoryClient{
		name:     name,
		broker:   m,
		state:    StateInit,
		handlers: make(map[string]*memorySub),
		queued:   make(map[string]struct{}),
	}
}

type memorySub struct {
	subject string
	queued  bool
	handler Handler
	broker  *Memory
}

func (s *memorySub) Unsubscribe() error {
	s.broker.remove(s)
	return nil
}

func (m *Memory) add(s *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.queued {
		m.queues[s.subject] = append(m.queues[s.subject], s)
	} else {
		m.fanout[s.subject] = append(m.fanout[s.subject], s)
	}
}

func (m *Memory) remove(s *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.fanout[s.subject]
	if s.queued {
		list = m.queues[s.subject]
	}
	for i, member := range list {
		if member == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if s.queued {
		m.queues[s.subject] = list
	} else {
		m.fanout[s.subject] = list
	}
}

// targets snapshots the delivery set for a subject: one queue-group member
// plus every fan-out subscriber. The lock is not held while handlers run.
func (m *Memory) targets(subject string) []*memorySub {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*memorySub
	if group := m.queues[subject]; len(group) > 0 {
		idx := m.rr[subject] % len(group)
		m.rr[subject] = idx + 1
		out = append(out, group[idx])
	}
	out = append(out, m.fanout[subject]...)
	return out
}

func (m *Memory) publish(ctx context.Context, subject string, payload []byte) {
	for _, sub := range m.targets(subject) {
		_ = sub.handler(ctx, subject, payload)
	}
}

func (m *Memory) request(ctx context.Context, subject string, payload []byte) ([]byte, error) {
	targets := m.targets(subject)
	if len(targets) == 0 {
		return nil, ErrNoResponders
	}
	var reply []byte
	for _, sub := range targets {
		if r := sub.handler(ctx, subject, payload); r != nil && reply == nil {
			reply = r
		}
	}
	if reply == nil {
		return nil, ErrTimeout
	}
	return reply, nil
}

// MemoryClient implements Bus against a Memory broker.
type MemoryClient struct {
	name   string
	broker *Memory

	mu       sync.Mutex
	state    State
	handlers map[string]*memorySub
	queued   map[string]struct{}
	listens  []*memorySub
}

func (c *MemoryClient) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrClosed
	}
	c.state = StateConnected
	return nil
}

func (c *MemoryClient) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	for subject, sub := range c.handlers {
		c.broker.remove(sub)
		delete(c.handlers, subject)
		delete(c.queued, subject)
	}
	for _, sub := range c.listens {
		c.broker.remove(sub)
	}
	c.listens = nil
	c.state = StateClosed
}

func (c *MemoryClient) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	c.Stop()
	return nil
}

func (c *MemoryClient) Subscribe(subject string, handler Handler, queued bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	if _, exists := c.handlers[subject]; exists {
		return false
	}
	sub := &memorySub{subject: subject, queued: queued, handler: handler, broker: c.broker}
	c.handlers[subject] = sub
	if queued {
		c.queued[subject] = struct{}{}
	}
	c.broker.add(sub)
	return true
}

func (c *MemoryClient) Unsubscribe(subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, exists := c.handlers[subject]
	if !exists {
		return false
	}
	c.broker.remove(sub)
	delete(c.handlers, subject)
	delete(c.queued, subject)
	return true
}

func (c *MemoryClient) Listen(subject string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil, ErrClosed
	}
	sub := &memorySub{subject: subject, handler: handler, broker: c.broker}
	c.listens = append(c.listens, sub)
	c.broker.add(sub)
	return sub, nil
}

func (c *MemoryClient) Publish(ctx context.Context, subject string, payload []byte) error {
	c.mu.Lock()
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.broker.publish(ctx, subject, payload)
	return nil
}

func (c *MemoryClient) Request(ctx context.Context, subject string, payload []byte, _ time.Duration) ([]byte, error) {
	c.mu.Lock()
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return c.broker.request(ctx, subject, payload)
}

func (c *MemoryClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

func (c *MemoryClient) Subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	subjects := make([]string, 0, len(c.handlers))
	for subject := range c.handlers {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	return subjects
}
