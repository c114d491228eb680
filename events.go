package walkietalkie

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ============================================================================
// Events
// ============================================================================

// Event names emitted by Client.
const (
	EventConnected    = "client.connected"
	EventDisconnected = "client.disconnected"
	EventDropped      = "router.dropped"

	EventPresence = "presence.updated"

	EventChatRequested       = "conversation.requested"
	EventChatRequestReceived = "conversation.request_received"
	EventChatAccepted        = "conversation.accepted"
	EventChatRejected        = "conversation.rejected"
	EventChatRestored        = "conversation.restored"
	EventChatSent            = "conversation.sent"
	EventChatMessage         = "conversation.message"
	EventChatUnread          = "conversation.unread"

	EventGroupCreated         = "group.created"
	EventGroupSaved           = "group.saved"
	EventGroupJoined          = "group.joined"
	EventGroupJoinRequested   = "group.join_requested"
	EventGroupRequestReceived = "group.request_received"
	EventGroupRequestAccepted = "group.request_accepted"
	EventGroupRequestRejected = "group.request_rejected"
	EventGroupSent            = "group.sent"
	EventGroupMessage         = "group.message"
	EventGroupUnread          = "group.unread"
)

// Fields carried by events.
type Fields map[string]any

// Event is one protocol transition or dropped delivery.
type Event struct {
	Name   string
	Fields Fields
	At     time.Time
}

// String renders the event as "name key=value ..." with sorted keys.
func (e Event) String() string {
	var b strings.Builder
	b.WriteString(e.Name)
	for _, k := range e.keys() {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	return b.String()
}

func (e Event) keys() []string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Observer receives events. Observers run on the goroutine that caused the
// event, which may be the bus delivery goroutine.
type Observer func(e Event)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]Observer
	any       []Observer
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]Observer)}
}

func (e *emitter) On(name string, fn Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[name] = append(e.listeners[name], fn)
}

func (e *emitter) OnAny(fn Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.any = append(e.any, fn)
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	handlers := append(append([]Observer(nil), e.listeners[ev.Name]...), e.any...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(ev)
		}()
	}
}

// ============================================================================
// Observers
// ============================================================================

// NewZapObserver logs every event. Drops are logged at debug level,
// everything else at info.
func NewZapObserver(logger *zap.Logger) Observer {
	return func(e Event) {
		level := zapcore.InfoLevel
		if e.Name == EventDropped {
			level = zapcore.DebugLevel
		}
		ce := logger.Check(level, e.Name)
		if ce == nil {
			return
		}
		fields := make([]zap.Field, 0, len(e.Fields))
		for _, k := range e.keys() {
			fields = append(fields, zap.Any(k, e.Fields[k]))
		}
		ce.Write(fields...)
	}
}

// LogBook keeps the most recent events in memory.
type LogBook struct {
	mu      sync.Mutex
	entries []Event
	size    int
}

// NewLogBook keeps up to size events.
func NewLogBook(size int) *LogBook {
	if size <= 0 {
		size = 100
	}
	return &LogBook{size: size}
}

// Observe is an Observer.
func (l *LogBook) Observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if over := len(l.entries) - l.size; over > 0 {
		l.entries = append([]Event(nil), l.entries[over:]...)
	}
}

// Entries returns the kept events, oldest first.
func (l *LogBook) Entries() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.entries...)
}
