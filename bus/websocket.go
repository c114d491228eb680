package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Wire frames
// ============================================================================

// Frame operations exchanged between WebSocket clients and Server.
const (
	OpConnect    = "connect"
	OpConnAck    = "connack"
	OpSubscribe  = "subscribe"
	OpSubAck     = "suback"
	OpPublish    = "publish"
	OpPubAck     = "puback"
	OpMessage    = "message"
	OpDisconnect = "disconnect"
	OpError      = "error"
)

// Frame is the JSON wire format of the websocket transport.
type Frame struct {
	Op           string `json:"op"`
	ID           string `json:"id,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	CleanSession bool   `json:"cleanSession,omitempty"`
	KeepAlive    int    `json:"keepAlive,omitempty"`
	Will         *Will  `json:"will,omitempty"`
	Topic        string `json:"topic,omitempty"`
	Payload      []byte `json:"payload,omitempty"`
	Retain       bool   `json:"retain,omitempty"`
	QoS          QoS    `json:"qos,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ============================================================================
// Connection state
// ============================================================================

// State represents the connection state of a WebSocket transport.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	defaultKeepAlive = 30 * time.Second
	ackTimeout       = 10 * time.Second
)

// ============================================================================
// WebSocket client
// ============================================================================

// WebSocket is a Bus speaking Frame JSON to a Server over a websocket.
type WebSocket struct {
	url string

	mu               sync.Mutex
	conn             *websocket.Conn
	state            State
	intentionalClose bool
	cancelFn         context.CancelFunc
	handler          Handler
	onDisconnect     func(error)
	seq              int
	inbox            *mailbox
	inflight         sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]chan Frame
}

// NewWebSocket creates a transport for the broker endpoint at url
// (e.g. ws://localhost:1883/ws).
func NewWebSocket(url string) *WebSocket {
	return &WebSocket{
		url:     url,
		state:   StateDisconnected,
		pending: make(map[string]chan Frame),
	}
}

// OnDisconnect registers a callback for connection loss. It is not called
// after Disconnect.
func (ws *WebSocket) OnDisconnect(fn func(error)) {
	ws.mu.Lock()
	ws.onDisconnect = fn
	ws.mu.Unlock()
}

// State returns the current connection state.
func (ws *WebSocket) State() State {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect dials the broker and performs the connect handshake.
func (ws *WebSocket) Connect(ctx context.Context, opts ConnectOptions) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.url, nil)
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	hello := Frame{
		Op:           OpConnect,
		ClientID:     clientID,
		Username:     opts.Username,
		Password:     opts.Password,
		CleanSession: opts.CleanSession,
		KeepAlive:    int(keepAlive / time.Second),
		Will:         opts.Will,
	}
	if err := wsjson.Write(ctx, conn, &hello); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("write connect: %w", err)
	}

	// First frame must acknowledge the session.
	var ack Frame
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read connack: %w", err)
	}
	if ack.Op != OpConnAck {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		if ack.Error != "" {
			return fmt.Errorf("connect refused: %s", ack.Error)
		}
		return fmt.Errorf("expected '%s', got '%s'", OpConnAck, ack.Op)
	}

	// The session outlives the dial context.
	connCtx, cancel := context.WithCancel(context.Background())
	// Handlers run off the read loop: they may publish and wait for acks.
	inbox := newMailbox(&ws.inflight, ws.dispatch)
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.inbox = inbox
	ws.mu.Unlock()

	go inbox.run()
	go ws.readLoop(connCtx, conn, inbox)
	go ws.heartbeatLoop(connCtx, conn, keepAlive)
	return nil
}

// Subscribe implements Bus and waits for the broker's acknowledgement.
func (ws *WebSocket) Subscribe(ctx context.Context, filter string, qos QoS) error {
	if !ValidFilter(filter) {
		return ErrInvalidFilter
	}
	_, err := ws.request(ctx, Frame{Op: OpSubscribe, Topic: filter, QoS: qos})
	return err
}

// Publish implements Bus. At QoS 0 the frame is written and forgotten,
// otherwise the broker's acknowledgement is awaited.
func (ws *WebSocket) Publish(ctx context.Context, topic string, payload []byte, retain bool, qos QoS) error {
	if !ValidTopic(topic) {
		return ErrInvalidTopic
	}
	f := Frame{Op: OpPublish, Topic: topic, Payload: payload, Retain: retain, QoS: qos}
	if qos == AtMostOnce {
		return ws.send(ctx, &f)
	}
	_, err := ws.request(ctx, f)
	return err
}

// Receive implements Bus.
func (ws *WebSocket) Receive(h Handler) {
	ws.mu.Lock()
	ws.handler = h
	ws.mu.Unlock()
}

// Disconnect sends a clean disconnect, so the broker discards the will, and
// closes the connection.
func (ws *WebSocket) Disconnect(ctx context.Context) error {
	ws.mu.Lock()
	conn := ws.conn
	if conn == nil {
		ws.mu.Unlock()
		return ErrNotConnected
	}
	ws.intentionalClose = true
	ws.mu.Unlock()

	_ = wsjson.Write(ctx, conn, &Frame{Op: OpDisconnect})

	ws.mu.Lock()
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	ws.conn = nil
	ws.state = StateDisconnected
	inbox := ws.inbox
	ws.inbox = nil
	ws.mu.Unlock()

	if inbox != nil {
		inbox.close()
	}
	ws.clearPending()
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

func (ws *WebSocket) send(ctx context.Context, f *Frame) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return wsjson.Write(ctx, conn, f)
}

// request writes f with a fresh id and waits for the matching ack.
func (ws *WebSocket) request(ctx context.Context, f Frame) (Frame, error) {
	ws.mu.Lock()
	ws.seq++
	f.ID = strconv.Itoa(ws.seq)
	ws.mu.Unlock()

	ch := make(chan Frame, 1)
	ws.pendingMu.Lock()
	ws.pending[f.ID] = ch
	ws.pendingMu.Unlock()

	if err := ws.send(ctx, &f); err != nil {
		ws.forget(f.ID)
		return Frame{}, err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return Frame{}, ErrNotConnected
		}
		if ack.Op == OpError {
			return ack, errors.New(ack.Error)
		}
		return ack, nil
	case <-time.After(ackTimeout):
		ws.forget(f.ID)
		return Frame{}, fmt.Errorf("%s timeout", f.Op)
	case <-ctx.Done():
		ws.forget(f.ID)
		return Frame{}, ctx.Err()
	}
}

func (ws *WebSocket) forget(id string) {
	ws.pendingMu.Lock()
	delete(ws.pending, id)
	ws.pendingMu.Unlock()
}

func (ws *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn, inbox *mailbox) {
	defer inbox.close()
	for {
		var f Frame
		err := wsjson.Read(ctx, conn, &f)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			var notify func(error)
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
				notify = ws.onDisconnect
			}
			ws.mu.Unlock()

			ws.clearPending()
			if notify != nil {
				notify(err)
			}
			return
		}

		switch f.Op {
		case OpMessage:
			inbox.push(delivery{topic: f.Topic, payload: f.Payload})
		case OpSubAck, OpPubAck, OpError:
			ws.pendingMu.Lock()
			ch, ok := ws.pending[f.ID]
			if ok {
				delete(ws.pending, f.ID)
			}
			ws.pendingMu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func (ws *WebSocket) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, ackTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// The read loop reports the closed connection.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *WebSocket) dispatch(topic string, payload []byte) {
	ws.mu.Lock()
	h := ws.handler
	ws.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}

func (ws *WebSocket) setState(s State) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *WebSocket) clearPending() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pending {
		close(ch)
		delete(ws.pending, k)
	}
	ws.pendingMu.Unlock()
}
