package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ============================================================================
// Broker
// ============================================================================

// Broker is an in-process message broker with retained messages, wildcard
// subscriptions and wills. Each attached session gets its own ordered
// delivery goroutine, so handlers run concurrently with publishers.
type Broker struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	retained map[string][]byte
	pending  sync.WaitGroup
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		sessions: make(map[string]*Session),
		retained: make(map[string][]byte),
	}
}

// Session is one attached client of a Broker.
type Session struct {
	ID string

	broker  *Broker
	filters map[string]QoS
	will    *Will
	box     *mailbox
}

type delivery struct {
	topic   string
	payload []byte
}

// Attach registers a session. An existing session with the same id is taken
// over: it is closed cleanly and its will is discarded.
func (b *Broker) Attach(id string, will *Will, deliver Handler) *Session {
	s := &Session{
		ID:      id,
		broker:  b,
		filters: make(map[string]QoS),
		will:    will,
	}
	s.box = newMailbox(&b.pending, deliver)

	b.mu.Lock()
	old := b.sessions[id]
	b.sessions[id] = s
	b.mu.Unlock()

	if old != nil {
		old.box.close()
	}
	go s.box.run()
	return s
}

// Publish routes payload to every session with a matching subscription.
// A retained publish with an empty payload clears the retained message.
func (b *Broker) Publish(topic string, payload []byte, retain bool) {
	data := append([]byte(nil), payload...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if retain {
		if len(data) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = data
		}
	}
	for _, s := range b.sessions {
		if s.matches(topic) {
			s.box.push(delivery{topic: topic, payload: data})
		}
	}
}

// Retained returns the topics currently holding a retained message.
func (b *Broker) Retained() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	topics := make([]string, 0, len(b.retained))
	for t := range b.retained {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Sessions returns the number of attached sessions.
func (b *Broker) Sessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Wait blocks until every queued delivery, including the ones published by
// handlers while Wait is blocked, has been handled.
func (b *Broker) Wait() {
	b.pending.Wait()
}

// Subscribe adds filter to the session and queues the retained messages it
// matches, in topic order.
func (s *Session) Subscribe(filter string, qos QoS) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	s.filters[filter] = qos

	topics := make([]string, 0)
	for t := range b.retained {
		if Match(filter, t) {
			topics = append(topics, t)
		}
	}
	sort.Strings(topics)
	for _, t := range topics {
		s.box.push(delivery{topic: t, payload: b.retained[t]})
	}
}

// Close detaches the session. Unless clean, its will is published.
func (s *Session) Close(clean bool) {
	b := s.broker
	b.mu.Lock()
	current := b.sessions[s.ID] == s
	if current {
		delete(b.sessions, s.ID)
	}
	will := s.will
	b.mu.Unlock()

	s.box.close()
	if current && !clean && will != nil {
		b.Publish(will.Topic, will.Payload, will.Retain)
	}
}

// matches is called with the broker lock held.
func (s *Session) matches(topic string) bool {
	for f := range s.filters {
		if Match(f, topic) {
			return true
		}
	}
	return false
}

// ============================================================================
// Mailbox
// ============================================================================

type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []delivery
	closed  bool
	pending *sync.WaitGroup
	deliver Handler
}

func newMailbox(pending *sync.WaitGroup, deliver Handler) *mailbox {
	m := &mailbox{pending: pending, deliver: deliver}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(d delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.pending.Add(1)
	m.queue = append(m.queue, d)
	m.cond.Signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for range m.queue {
		m.pending.Done()
	}
	m.queue = nil
	m.cond.Broadcast()
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		d := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.handle(d)
	}
}

func (m *mailbox) handle(d delivery) {
	defer m.pending.Done()
	defer func() { recover() }() // a panicking handler must not kill the session
	if m.deliver != nil {
		m.deliver(d.topic, d.payload)
	}
}

// ============================================================================
// Memory transport
// ============================================================================

// Memory is a Bus bound to an in-process Broker.
type Memory struct {
	broker *Broker

	mu      sync.RWMutex
	session *Session
	handler Handler
}

// NewMemory creates a Bus on broker.
func NewMemory(broker *Broker) *Memory {
	return &Memory{broker: broker}
}

// Connect attaches a session. An empty ClientID gets a random one.
func (m *Memory) Connect(ctx context.Context, opts ConnectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := opts.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	s := m.broker.Attach(id, opts.Will, m.dispatch)

	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	return nil
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(ctx context.Context, filter string, qos QoS) error {
	if !ValidFilter(filter) {
		return ErrInvalidFilter
	}
	s := m.current()
	if s == nil {
		return ErrNotConnected
	}
	s.Subscribe(filter, qos)
	return nil
}

// Publish implements Bus. QoS is irrelevant in process: delivery is reliable.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte, retain bool, qos QoS) error {
	if !ValidTopic(topic) {
		return ErrInvalidTopic
	}
	if m.current() == nil {
		return ErrNotConnected
	}
	m.broker.Publish(topic, payload, retain)
	return nil
}

// Receive implements Bus.
func (m *Memory) Receive(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Disconnect closes the session cleanly; the will is discarded.
func (m *Memory) Disconnect(ctx context.Context) error {
	return m.close(true)
}

// Drop closes the session as if the connection was lost, firing the will.
func (m *Memory) Drop() error {
	return m.close(false)
}

func (m *Memory) close(clean bool) error {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	s.Close(clean)
	return nil
}

func (m *Memory) current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *Memory) dispatch(topic string, payload []byte) {
	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()
	if h != nil {
		h(topic, payload)
	}
}
