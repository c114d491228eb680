// Package walkietalkie is a presence and messaging layer built entirely on a
// publish/subscribe bus. Peers discover each other through retained presence
// records, negotiate one-to-one conversations through handshakes on their
// control topics, and run groups as replicated retained documents.
//
// Example:
//
//	broker := bus.NewBroker()
//	client, _ := walkietalkie.NewClient(bus.NewMemory(broker), "alice",
//		walkietalkie.WithLogger(logger))
//	client.Connect(ctx)
//	defer client.Close(ctx)
//
//	client.RequestChat(ctx, "bob")
//	client.CreateGroup(ctx, "eng")
//	client.On(walkietalkie.EventChatMessage, func(e walkietalkie.Event) { ... })
package walkietalkie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LuminPulse-AI/walkietalkie/bus"
)

var (
	ErrInvalidName             = errors.New("invalid name")
	ErrSelfConversation        = errors.New("cannot start a conversation with yourself")
	ErrConversationExists      = errors.New("conversation already exists")
	ErrConversationNotFound    = errors.New("conversation not found")
	ErrConversationNotAccepted = errors.New("conversation not accepted yet")
	ErrEmptyMessage            = errors.New("message is empty")
	ErrGroupExists             = errors.New("group already exists")
	ErrGroupNotFound           = errors.New("group not found")
	ErrAlreadyMember           = errors.New("already part of the group")
	ErrNotGroupLeader          = errors.New("not the group leader")
	ErrNotGroupMember          = errors.New("not part of the group")
	ErrRequestNotFound         = errors.New("request not found")
)

const DefaultHandlerTimeout = 10 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is one user's view of the network: its caches, its status and the
// protocol operations that change them.
type Client struct {
	bus  bus.Bus
	self string

	clientID       string
	brokerUsername string
	password       string
	keepAlive time.Duration
	qos       bus.QoS
	timeout   time.Duration
	now       func() time.Time

	users         *UserStore
	conversations *ConversationStore
	groups        *GroupStore
	status        *Status
	events        *emitter

	subMu      sync.Mutex
	subscribed map[string]bool
}

type ClientOption func(*Client)

// WithClientID sets the bus client id. It defaults to the username.
func WithClientID(id string) ClientOption {
	return func(c *Client) { c.clientID = id }
}

// WithBrokerUsername sets the login presented to the broker. It is unrelated
// to the chat username and empty by default.
func WithBrokerUsername(username string) ClientOption {
	return func(c *Client) { c.brokerUsername = username }
}

// WithPassword sets the broker password.
func WithPassword(password string) ClientOption {
	return func(c *Client) { c.password = password }
}

func WithKeepAlive(d time.Duration) ClientOption {
	return func(c *Client) { c.keepAlive = d }
}

func WithQoS(qos bus.QoS) ClientOption {
	return func(c *Client) { c.qos = qos }
}

// WithHandlerTimeout bounds publishes and subscribes made while handling an
// inbound message.
func WithHandlerTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithClock replaces time.Now, used for message timestamps and topic names.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// WithObserver receives every event.
func WithObserver(fn Observer) ClientOption {
	return func(c *Client) { c.events.OnAny(fn) }
}

// WithLogger logs every event to logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.events.OnAny(NewZapObserver(logger.With(zap.String("user", c.self))))
	}
}

// NewClient creates a client for username on b. Nothing is sent until
// Connect.
func NewClient(b bus.Bus, username string, opts ...ClientOption) (*Client, error) {
	if !ValidUsername(username) {
		return nil, fmt.Errorf("%w: username %q", ErrInvalidName, username)
	}
	c := &Client{
		bus:           b,
		self:          username,
		qos:           bus.AtLeastOnce,
		timeout:       DefaultHandlerTimeout,
		now:           time.Now,
		users:         NewUserStore(),
		conversations: NewConversationStore(),
		groups:        NewGroupStore(),
		status:        &Status{},
		events:        newEmitter(),
		subscribed:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Username() string { return c.self }

// Self returns the local user as currently cached.
func (c *Client) Self() User {
	if u, ok := c.users.Get(c.self); ok {
		return u
	}
	return User{Username: c.self}
}

// Status returns the view tracker.
func (c *Client) Status() *Status { return c.status }

// On registers fn for events named name.
func (c *Client) On(name string, fn Observer) { c.events.On(name, fn) }

// OnAny registers fn for every event.
func (c *Client) OnAny(fn Observer) { c.events.OnAny(fn) }

// Connect opens the bus session with an offline presence record as will,
// subscribes to everything the user follows and announces the user online.
func (c *Client) Connect(ctx context.Context) error {
	will, err := json.Marshal(User{Username: c.self, IsOnline: false})
	if err != nil {
		return err
	}

	c.subMu.Lock()
	c.subscribed = make(map[string]bool)
	c.subMu.Unlock()

	clientID := c.clientID
	if clientID == "" {
		clientID = c.self
	}

	c.bus.Receive(c.Route)
	err = c.bus.Connect(ctx, bus.ConnectOptions{
		ClientID:     clientID,
		Username:     c.brokerUsername,
		Password:     c.password,
		CleanSession: true,
		KeepAlive:    c.keepAlive,
		Will:         &bus.Will{Topic: UserTopic(c.self), Payload: will, Retain: true, QoS: c.qos},
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	c.users.Upsert(User{Username: c.self})

	filters := []string{
		ControlTopic(c.self),
		UsersPrefix + "+",
		GroupsPrefix + "+",
		HistoryPrefix + c.self + "/+",
	}
	for _, f := range filters {
		if err := c.subscribe(ctx, f); err != nil {
			return err
		}
	}

	if err := c.GoOnline(ctx); err != nil {
		return err
	}
	c.emit(EventConnected, nil)
	return nil
}

// Close announces the user offline and disconnects.
func (c *Client) Close(ctx context.Context) error {
	offlineErr := c.GoOffline(ctx)
	if err := c.bus.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	c.emit(EventDisconnected, nil)
	return offlineErr
}

// ============================================================================
// Internal helpers
// ============================================================================

func (c *Client) publish(ctx context.Context, topic string, v any, retain bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if err := c.bus.Publish(ctx, topic, data, retain, c.qos); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// subscribe subscribes to filter once per connection.
func (c *Client) subscribe(ctx context.Context, filter string) error {
	c.subMu.Lock()
	if c.subscribed[filter] {
		c.subMu.Unlock()
		return nil
	}
	c.subscribed[filter] = true
	c.subMu.Unlock()

	if err := c.bus.Subscribe(ctx, filter, c.qos); err != nil {
		c.subMu.Lock()
		delete(c.subscribed, filter)
		c.subMu.Unlock()
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// handlerContext bounds bus calls made from inbound handlers, which have no
// caller context.
func (c *Client) handlerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func (c *Client) emit(name string, fields Fields) {
	c.events.emit(Event{Name: name, Fields: fields, At: c.now()})
}
