package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	// retainedPrefix namespaces the keys holding retained messages:
	// retained:{topic} -> last retained payload.
	retainedPrefix = "retained:"
	scanBatch      = 100
)

// Redis is a Bus on Redis pub/sub. Retained messages are plain keys that are
// replayed to every new subscription. Redis delivers at most once, so the
// requested QoS is not enforced, and there is no will support.
type Redis struct {
	opts *redis.Options

	mu       sync.Mutex
	rdb      *redis.Client
	pubsub   *redis.PubSub
	globs    map[string][]string // glob pattern -> filters using it
	handler  Handler
	inbox    *mailbox
	inflight sync.WaitGroup
}

// NewRedis creates a transport. Username and Password from ConnectOptions
// override the ones in opts.
func NewRedis(opts *redis.Options) *Redis {
	return &Redis{opts: opts, globs: make(map[string][]string)}
}

// Connect implements Bus.
func (r *Redis) Connect(ctx context.Context, opts ConnectOptions) error {
	o := *r.opts
	if opts.Username != "" {
		o.Username = opts.Username
	}
	if opts.Password != "" {
		o.Password = opts.Password
	}
	if opts.ClientID != "" {
		o.ClientName = opts.ClientID
	}

	rdb := redis.NewClient(&o)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return fmt.Errorf("redis ping: %w", err)
	}

	inbox := newMailbox(&r.inflight, r.dispatch)

	r.mu.Lock()
	r.rdb = rdb
	r.inbox = inbox
	r.globs = make(map[string][]string)
	r.mu.Unlock()

	go inbox.run()
	return nil
}

// Subscribe implements Bus: PSUBSCRIBE on the filter's glob, then replay of
// the retained messages it matches.
func (r *Redis) Subscribe(ctx context.Context, filter string, qos QoS) error {
	if !ValidFilter(filter) {
		return ErrInvalidFilter
	}
	glob := filterToGlob(filter)

	r.mu.Lock()
	rdb := r.rdb
	if rdb == nil {
		r.mu.Unlock()
		return ErrNotConnected
	}
	first := r.pubsub == nil
	if first {
		r.pubsub = rdb.PSubscribe(ctx)
	}
	pubsub := r.pubsub
	r.globs[glob] = append(r.globs[glob], filter)
	inbox := r.inbox
	r.mu.Unlock()

	if err := pubsub.PSubscribe(ctx, glob); err != nil {
		return fmt.Errorf("psubscribe %s: %w", filter, err)
	}
	if first {
		go r.receiveLoop(pubsub.Channel(), inbox)
	}

	return r.replayRetained(ctx, rdb, filter, glob, inbox)
}

func (r *Redis) replayRetained(ctx context.Context, rdb *redis.Client, filter, glob string, inbox *mailbox) error {
	var topics []string
	iter := rdb.Scan(ctx, 0, retainedPrefix+glob, scanBatch).Iterator()
	for iter.Next(ctx) {
		topic := strings.TrimPrefix(iter.Val(), retainedPrefix)
		if Match(filter, topic) {
			topics = append(topics, topic)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan retained: %w", err)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		payload, err := rdb.Get(ctx, retainedPrefix+topic).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // cleared meanwhile
		}
		if err != nil {
			return fmt.Errorf("get retained %s: %w", topic, err)
		}
		inbox.push(delivery{topic: topic, payload: payload})
	}
	return nil
}

// Publish implements Bus. A retained publish with an empty payload clears
// the retained message.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte, retain bool, qos QoS) error {
	if !ValidTopic(topic) {
		return ErrInvalidTopic
	}
	r.mu.Lock()
	rdb := r.rdb
	r.mu.Unlock()
	if rdb == nil {
		return ErrNotConnected
	}

	if retain {
		var err error
		if len(payload) == 0 {
			err = rdb.Del(ctx, retainedPrefix+topic).Err()
		} else {
			err = rdb.Set(ctx, retainedPrefix+topic, payload, 0).Err()
		}
		if err != nil {
			return fmt.Errorf("store retained %s: %w", topic, err)
		}
	}
	if err := rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Receive implements Bus.
func (r *Redis) Receive(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// Disconnect implements Bus.
func (r *Redis) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	rdb, pubsub, inbox := r.rdb, r.pubsub, r.inbox
	r.rdb, r.pubsub, r.inbox = nil, nil, nil
	r.mu.Unlock()
	if rdb == nil {
		return ErrNotConnected
	}

	if pubsub != nil {
		pubsub.Close()
	}
	if inbox != nil {
		inbox.close()
	}
	return rdb.Close()
}

func (r *Redis) receiveLoop(ch <-chan *redis.Message, inbox *mailbox) {
	for msg := range ch {
		if r.owns(msg.Pattern, msg.Channel) {
			inbox.push(delivery{topic: msg.Channel, payload: []byte(msg.Payload)})
		}
	}
}

// owns reports whether the message received through pattern should be
// delivered. Globs are wider than filters, and a topic matched by several
// subscribed globs is delivered once, through the lowest sorting one.
func (r *Redis) owns(pattern, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matching []string
	for glob, filters := range r.globs {
		for _, f := range filters {
			if Match(f, topic) {
				matching = append(matching, glob)
				break
			}
		}
	}
	if len(matching) == 0 {
		return false
	}
	sort.Strings(matching)
	return matching[0] == pattern
}

func (r *Redis) dispatch(topic string, payload []byte) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// filterToGlob translates a topic filter into a Redis glob pattern. The glob
// may match more than the filter ('*' crosses '/'), so deliveries are
// re-checked with Match. A trailing '#' also matches its parent level, so its
// '*' absorbs the separator: "a/#" becomes "a*".
func filterToGlob(filter string) string {
	levels := strings.Split(filter, "/")
	multi := levels[len(levels)-1] == "#"
	if multi {
		levels = levels[:len(levels)-1]
	}
	for i, l := range levels {
		if l == "+" {
			levels[i] = "*"
		} else {
			levels[i] = globEscaper.Replace(l)
		}
	}
	glob := strings.Join(levels, "/")
	if multi {
		glob += "*"
	}
	return glob
}
