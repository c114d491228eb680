// Package bus defines the publish/subscribe contract walkietalkie runs on and
// ships three transports for it:
//
//	broker := bus.NewBroker()              // in-process, also the websocket broker core
//	b := bus.NewMemory(broker)
//
//	b := bus.NewWebSocket("ws://localhost:1883/ws")
//	b := bus.NewRedis(&redis.Options{Addr: "localhost:6379"})
//
// Every transport delivers retained and live messages asynchronously to the
// single handler registered with Receive.
package bus

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ============================================================================
// Contract
// ============================================================================

// QoS is the delivery guarantee requested for a subscription or publish.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// Will is published by the broker on the client's behalf when the client
// goes away without calling Disconnect.
type Will struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	Retain  bool   `json:"retain"`
	QoS     QoS    `json:"qos"`
}

// ConnectOptions configures a bus session.
type ConnectOptions struct {
	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	KeepAlive    time.Duration
	Will         *Will
}

// Handler receives every inbound message of a session.
type Handler func(topic string, payload []byte)

// Bus is the transport consumed by the chat core.
type Bus interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Subscribe(ctx context.Context, filter string, qos QoS) error
	Publish(ctx context.Context, topic string, payload []byte, retain bool, qos QoS) error
	Receive(h Handler)
	Disconnect(ctx context.Context) error
}

var (
	ErrNotConnected  = errors.New("bus: not connected")
	ErrInvalidTopic  = errors.New("bus: invalid topic")
	ErrInvalidFilter = errors.New("bus: invalid topic filter")
)

// ============================================================================
// Topic matching
// ============================================================================

// Match reports whether topic matches filter. '+' matches exactly one level,
// a trailing '#' matches any number of remaining levels.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// ValidTopic reports whether topic can be published to.
func ValidTopic(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, "+#")
}

// ValidFilter reports whether filter is a well formed subscription filter.
func ValidFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		switch {
		case l == "#":
			if i != len(levels)-1 {
				return false
			}
		case l == "+":
		case strings.ContainsAny(l, "+#"):
			return false
		}
	}
	return true
}
