package walkietalkie

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LuminPulse-AI/walkietalkie/bus"
)

// ============================================================================
// Test Helpers
// ============================================================================

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var ticks int64

// testClock advances one millisecond per call and is shared by every test
// client, so topic names and timestamps are unique and ordered.
func testClock() time.Time {
	return epoch.Add(time.Duration(atomic.AddInt64(&ticks, 1)) * time.Millisecond)
}

// eventLog records events of one client.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) named(name string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type testPeer struct {
	*Client
	mem    *bus.Memory
	events *eventLog
}

func connectPeer(t *testing.T, broker *bus.Broker, username string) *testPeer {
	t.Helper()
	mem := bus.NewMemory(broker)
	log := &eventLog{}
	c, err := NewClient(mem, username,
		WithClientID(username),
		WithClock(testClock),
		WithObserver(log.observe),
	)
	if err != nil {
		t.Fatalf("new client %s: %v", username, err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", username, err)
	}
	broker.Wait()
	return &testPeer{Client: c, mem: mem, events: log}
}

// acceptedPair connects alice and bob with an accepted conversation.
func acceptedPair(t *testing.T) (*bus.Broker, *testPeer, *testPeer) {
	t.Helper()
	ctx := context.Background()
	broker := bus.NewBroker()
	alice := connectPeer(t, broker, "alice")
	bob := connectPeer(t, broker, "bob")

	if err := alice.RequestChat(ctx, "bob"); err != nil {
		t.Fatalf("request chat: %v", err)
	}
	broker.Wait()
	if err := bob.AcceptChat(ctx, "alice"); err != nil {
		t.Fatalf("accept chat: %v", err)
	}
	broker.Wait()
	return broker, alice, bob
}

// ============================================================================
// Client
// ============================================================================

func TestNewClient(t *testing.T) {
	t.Run("valid username", func(t *testing.T) {
		c, err := NewClient(bus.NewMemory(bus.NewBroker()), "alice")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.Username() != "alice" {
			t.Fatalf("expected alice, got %s", c.Username())
		}
	})

	for _, name := range []string{"", "al_ice", "a/b", "bob+", "x#"} {
		t.Run("invalid "+name, func(t *testing.T) {
			if _, err := NewClient(bus.NewMemory(bus.NewBroker()), name); !errors.Is(err, ErrInvalidName) {
				t.Fatalf("expected ErrInvalidName, got %v", err)
			}
		})
	}
}

func TestConnect(t *testing.T) {
	broker := bus.NewBroker()
	alice := connectPeer(t, broker, "alice")

	self, ok := alice.User("alice")
	if !ok || !self.IsOnline {
		t.Fatalf("expected self online in cache, got %+v (found=%v)", self, ok)
	}
	if len(alice.events.named(EventConnected)) != 1 {
		t.Fatal("expected one connected event")
	}
	retained := broker.Retained()
	if len(retained) != 1 || retained[0] != "USERS/alice" {
		t.Fatalf("expected retained presence, got %v", retained)
	}
}

// ============================================================================
// Conversation protocol
// ============================================================================

func TestRequestChat(t *testing.T) {
	ctx := context.Background()
	broker := bus.NewBroker()
	alice := connectPeer(t, broker, "alice")
	bob := connectPeer(t, broker, "bob")

	if err := alice.RequestChat(ctx, "bob"); err != nil {
		t.Fatalf("request chat: %v", err)
	}
	broker.Wait()

	t.Run("one conversation on both sides", func(t *testing.T) {
		for _, p := range []*testPeer{alice, bob} {
			if n := p.conversations.Len(); n != 1 {
				t.Fatalf("%s: expected one conversation, got %d", p.Username(), n)
			}
		}
		if _, ok := alice.Conversation("bob"); !ok {
			t.Fatal("expected the requester to keep its request")
		}
		conv, ok := bob.Conversation("alice")
		if !ok || conv.From != "alice" || conv.To != "bob" || conv.Accepted || conv.Topic != nil {
			t.Fatalf("unexpected pending conversation on bob: %+v", conv)
		}
	})

	t.Run("pending only on the recipient", func(t *testing.T) {
		if got := alice.PendingChatRequests(); len(got) != 0 {
			t.Fatalf("expected no pending requests for requester, got %v", got)
		}
		got := bob.PendingChatRequests()
		if len(got) != 1 || got[0].From != "alice" {
			t.Fatalf("expected alice's request, got %v", got)
		}
		if len(bob.events.named(EventChatRequestReceived)) != 1 {
			t.Fatal("expected request_received event")
		}
	})

	t.Run("duplicates rejected in both directions", func(t *testing.T) {
		if err := alice.RequestChat(ctx, "bob"); !errors.Is(err, ErrConversationExists) {
			t.Fatalf("expected ErrConversationExists, got %v", err)
		}
		if err := bob.RequestChat(ctx, "alice"); !errors.Is(err, ErrConversationExists) {
			t.Fatalf("expected ErrConversationExists, got %v", err)
		}
	})

	t.Run("self and invalid names", func(t *testing.T) {
		if err := alice.RequestChat(ctx, "alice"); !errors.Is(err, ErrSelfConversation) {
			t.Fatalf("expected ErrSelfConversation, got %v", err)
		}
		if err := alice.RequestChat(ctx, "no/pe"); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("expected ErrInvalidName, got %v", err)
		}
	})
}

func TestAcceptChat(t *testing.T) {
	ctx := context.Background()
	broker, alice, bob := acceptedPair(t)

	onBob, _ := bob.Conversation("alice")
	onAlice, _ := alice.Conversation("bob")
	if !onBob.Accepted || !onAlice.Accepted {
		t.Fatalf("expected both accepted: bob=%+v alice=%+v", onBob, onAlice)
	}
	topic := onBob.TopicName()
	if !strings.HasPrefix(topic, "bob_alice_") || Classify("alice", topic) != TopicConversation {
		t.Fatalf("unexpected topic %q", topic)
	}
	if onAlice.TopicName() != topic {
		t.Fatalf("topics diverged: %q vs %q", onAlice.TopicName(), topic)
	}

	t.Run("second accept is a no-op", func(t *testing.T) {
		if err := bob.AcceptChat(ctx, "alice"); err != nil {
			t.Fatalf("second accept: %v", err)
		}
		broker.Wait()
		again, _ := bob.Conversation("alice")
		if again.TopicName() != topic {
			t.Fatalf("topic changed to %q", again.TopicName())
		}
		if n := len(bob.events.named(EventChatAccepted)); n != 1 {
			t.Fatalf("expected one accepted event on bob, got %d", n)
		}
		if n := len(alice.events.named(EventChatAccepted)); n != 1 {
			t.Fatalf("expected one accepted event on alice, got %d", n)
		}
	})

	t.Run("history retained for both users", func(t *testing.T) {
		want := map[string]bool{
			"HISTORY/alice/" + topic: false,
			"HISTORY/bob/" + topic:   false,
		}
		for _, r := range broker.Retained() {
			if _, ok := want[r]; ok {
				want[r] = true
			}
		}
		for k, seen := range want {
			if !seen {
				t.Errorf("expected retained %s", k)
			}
		}
	})

	t.Run("requester cannot accept own request", func(t *testing.T) {
		carol := connectPeer(t, broker, "carol")
		if err := carol.RequestChat(ctx, "alice"); err != nil {
			t.Fatalf("request: %v", err)
		}
		broker.Wait()
		if err := carol.AcceptChat(ctx, "alice"); !errors.Is(err, ErrRequestNotFound) {
			t.Fatalf("expected ErrRequestNotFound, got %v", err)
		}
		if err := carol.AcceptChat(ctx, "dave"); !errors.Is(err, ErrRequestNotFound) {
			t.Fatalf("expected ErrRequestNotFound, got %v", err)
		}
	})
}

func TestRejectChat(t *testing.T) {
	ctx := context.Background()
	broker := bus.NewBroker()
	alice := connectPeer(t, broker, "alice")
	bob := connectPeer(t, broker, "bob")

	if err := alice.RequestChat(ctx, "bob"); err != nil {
		t.Fatalf("request chat: %v", err)
	}
	broker.Wait()
	if err := bob.RejectChat(ctx, "alice"); err != nil {
		t.Fatalf("reject chat: %v", err)
	}
	broker.Wait()

	if _, ok := alice.Conversation("bob"); ok {
		t.Fatal("expected the requester's conversation removed")
	}
	if _, ok := bob.Conversation("alice"); ok {
		t.Fatal("expected the recipient's conversation removed")
	}
	for _, p := range []*testPeer{alice, bob} {
		if n := p.conversations.Len(); n != 0 {
			t.Fatalf("%s: expected empty cache, got %d", p.Username(), n)
		}
		if n := len(p.events.named(EventChatRejected)); n != 1 {
			t.Fatalf("%s: expected one rejected event, got %d", p.Username(), n)
		}
	}
	for _, r := range broker.Retained() {
		if r != "USERS/alice" && r != "USERS/bob" {
			t.Fatalf("expected no history after rejection, found %s", r)
		}
	}

	t.Run("a new request is possible afterwards", func(t *testing.T) {
		if err := alice.RequestChat(ctx, "bob"); err != nil {
			t.Fatalf("request again: %v", err)
		}
	})

	t.Run("nothing to reject", func(t *testing.T) {
		if err := bob.RejectChat(ctx, "carol"); !errors.Is(err, ErrRequestNotFound) {
			t.Fatalf("expected ErrRequestNotFound, got %v", err)
		}
	})
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("buffers unread until opened", func(t *testing.T) {
		broker, alice, bob := acceptedPair(t)
		const n = 3
		for i := 0; i < n; i++ {
			if err := bob.SendMessage(ctx, "alice", "hello"); err != nil {
				t.Fatalf("send: %v", err)
			}
		}
		broker.Wait()

		conv, _ := alice.Conversation("bob")
		if len(conv.UnreadMessages) != n {
			t.Fatalf("expected %d unread, got %d", n, len(conv.UnreadMessages))
		}
		if conv.LastMessageAt == nil || !conv.LastMessageAt.Equal(conv.UnreadMessages[n-1].SendedAt) {
			t.Fatalf("expected last message time of the newest unread, got %v", conv.LastMessageAt)
		}

		unread, err := alice.OpenConversation("bob")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if len(unread) != n {
			t.Fatalf("expected %d drained, got %d", n, len(unread))
		}
		conv, _ = alice.Conversation("bob")
		if len(conv.UnreadMessages) != 0 {
			t.Fatalf("expected drained buffer, got %d", len(conv.UnreadMessages))
		}
	})

	t.Run("renders while viewing", func(t *testing.T) {
		broker, alice, bob := acceptedPair(t)
		if _, err := alice.OpenConversation("bob"); err != nil {
			t.Fatalf("open: %v", err)
		}
		bob.SendMessage(ctx, "alice", "live")
		broker.Wait()

		got := alice.events.named(EventChatMessage)
		if len(got) != 1 || got[0].Fields["message"].(Message).Content != "live" {
			t.Fatalf("expected one rendered message, got %v", got)
		}
		conv, _ := alice.Conversation("bob")
		if len(conv.UnreadMessages) != 0 {
			t.Fatal("expected nothing buffered while viewing")
		}

		alice.CloseConversation()
		bob.SendMessage(ctx, "alice", "later")
		broker.Wait()
		conv, _ = alice.Conversation("bob")
		if len(conv.UnreadMessages) != 1 {
			t.Fatalf("expected buffering after close, got %d", len(conv.UnreadMessages))
		}
	})

	t.Run("own echo is suppressed", func(t *testing.T) {
		broker, alice, _ := acceptedPair(t)
		alice.OpenConversation("bob")
		alice.SendMessage(ctx, "bob", "mine")
		alice.CloseConversation()
		alice.SendMessage(ctx, "bob", "mine again")
		broker.Wait()

		conv, _ := alice.Conversation("bob")
		if len(conv.UnreadMessages) != 0 {
			t.Fatalf("expected no unread from self, got %d", len(conv.UnreadMessages))
		}
		if n := len(alice.events.named(EventChatMessage)); n != 0 {
			t.Fatalf("expected no rendering of own messages, got %d", n)
		}
		if conv.LastMessageAt == nil {
			t.Fatal("expected last message time after sending")
		}
	})

	t.Run("guards", func(t *testing.T) {
		broker := bus.NewBroker()
		alice := connectPeer(t, broker, "alice")
		connectPeer(t, broker, "bob")

		if err := alice.SendMessage(ctx, "bob", "hi"); !errors.Is(err, ErrConversationNotFound) {
			t.Fatalf("expected ErrConversationNotFound, got %v", err)
		}
		alice.RequestChat(ctx, "bob")
		broker.Wait()
		if err := alice.SendMessage(ctx, "bob", "hi"); !errors.Is(err, ErrConversationNotAccepted) {
			t.Fatalf("expected ErrConversationNotAccepted, got %v", err)
		}
		if err := alice.SendMessage(ctx, "bob", "   "); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("expected ErrEmptyMessage, got %v", err)
		}
		if _, err := alice.OpenConversation("bob"); !errors.Is(err, ErrConversationNotAccepted) {
			t.Fatalf("expected ErrConversationNotAccepted, got %v", err)
		}
	})
}

func TestConversations(t *testing.T) {
	ctx := context.Background()
	broker := bus.NewBroker()
	alice := connectPeer(t, broker, "alice")
	peers := []*testPeer{connectPeer(t, broker, "bob"), connectPeer(t, broker, "carol"), connectPeer(t, broker, "dave")}
	for _, p := range peers {
		alice.RequestChat(ctx, p.Username())
	}
	broker.Wait()
	for _, p := range peers {
		if err := p.AcceptChat(ctx, "alice"); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	broker.Wait()

	peers[2].SendMessage(ctx, "alice", "first")
	broker.Wait()
	peers[0].SendMessage(ctx, "alice", "second")
	broker.Wait()

	var order []string
	for _, c := range alice.Conversations() {
		order = append(order, c.With("alice"))
	}
	want := []string{"bob", "dave", "carol"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestHistoryReplay(t *testing.T) {
	ctx := context.Background()
	broker, alice, bob := acceptedPair(t)
	conv, _ := alice.Conversation("bob")
	topic := conv.TopicName()

	if err := alice.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	broker.Wait()

	restored := connectPeer(t, broker, "alice")
	got, ok := restored.Conversation("bob")
	if !ok || !got.Accepted || got.TopicName() != topic {
		t.Fatalf("expected conversation restored on %s, got %+v", topic, got)
	}
	if n := len(restored.events.named(EventChatRestored)); n != 1 {
		t.Fatalf("expected one restored event, got %d", n)
	}

	bob.SendMessage(ctx, "alice", "welcome back")
	broker.Wait()
	got, _ = restored.Conversation("bob")
	if len(got.UnreadMessages) != 1 {
		t.Fatalf("expected message on restored topic, got %d unread", len(got.UnreadMessages))
	}

	t.Run("replay is idempotent", func(t *testing.T) {
		payload := []byte(`{"From":"alice","To":"bob","Accepted":true,"Topic":"` + topic + `"}`)
		restored.Route(HistoryTopic("alice", topic), payload)
		if n := restored.conversations.Len(); n != 1 {
			t.Fatalf("expected one conversation, got %d", n)
		}
		if n := len(restored.events.named(EventChatRestored)); n != 1 {
			t.Fatalf("expected no new restored event, got %d", n)
		}
	})
}

func TestCrossedRequests(t *testing.T) {
	ctx := context.Background()
	// Separate brokers: each side only sees the request it is handed.
	alice := connectPeer(t, bus.NewBroker(), "alice")
	bob := connectPeer(t, bus.NewBroker(), "bob")
	alice.RequestChat(ctx, "bob")
	bob.RequestChat(ctx, "alice")

	alice.Route(ControlTopic("alice"), []byte(`{"From":"bob","To":"alice","Accepted":false}`))
	bob.Route(ControlTopic("bob"), []byte(`{"From":"alice","To":"bob","Accepted":false}`))

	onAlice, _ := alice.Conversation("bob")
	if onAlice.From != "alice" {
		t.Fatalf("expected alice to keep her own request, got %+v", onAlice)
	}
	onBob, _ := bob.Conversation("alice")
	if onBob.From != "alice" {
		t.Fatalf("expected bob to yield to alice's request, got %+v", onBob)
	}
	if got := bob.PendingChatRequests(); len(got) != 1 {
		t.Fatalf("expected bob to see alice's request as pending, got %v", got)
	}
}

func TestControlEdgeCases(t *testing.T) {
	ctx := context.Background()
	broker := bus.NewBroker()
	alice := connectPeer(t, broker, "alice")

	t.Run("stale echo without local conversation", func(t *testing.T) {
		alice.Route(ControlTopic("alice"), []byte(`{"From":"alice","To":"bob","Accepted":false}`))
		if n := alice.conversations.Len(); n != 0 {
			t.Fatalf("expected nothing cached, got %d", n)
		}
	})

	t.Run("duplicate inbound request", func(t *testing.T) {
		req := []byte(`{"From":"carol","To":"alice","Accepted":false}`)
		alice.Route(ControlTopic("alice"), req)
		alice.Route(ControlTopic("alice"), req)
		if got := alice.PendingChatRequests(); len(got) != 1 {
			t.Fatalf("expected one pending request, got %v", got)
		}
	})

	t.Run("redelivered request after accept keeps the conversation", func(t *testing.T) {
		if err := alice.AcceptChat(ctx, "carol"); err != nil {
			t.Fatalf("accept: %v", err)
		}
		alice.Route(ControlTopic("alice"), []byte(`{"From":"carol","To":"alice","Accepted":false}`))
		conv, ok := alice.Conversation("carol")
		if !ok || !conv.Accepted {
			t.Fatalf("expected accepted conversation kept, got %+v", conv)
		}
	})

	t.Run("not addressed to self", func(t *testing.T) {
		alice.Route(ControlTopic("alice"), []byte(`{"From":"x","To":"y","Accepted":false}`))
		if _, ok := alice.Conversation("x"); ok {
			t.Fatal("expected foreign conversation dropped")
		}
	})

	t.Run("accepted without a valid topic", func(t *testing.T) {
		alice.Route(ControlTopic("alice"), []byte(`{"From":"alice","To":"erin","Accepted":true,"Topic":"nope"}`))
		if _, ok := alice.Conversation("erin"); ok {
			t.Fatal("expected malformed acceptance dropped")
		}
	})
}

func TestMessageRacingRemoval(t *testing.T) {
	log := &eventLog{}
	alice, err := NewClient(bus.NewMemory(bus.NewBroker()), "alice", WithObserver(log.observe))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	const rounds = 200
	for i := 0; i < rounds; i++ {
		topic := ConversationTopic("bob", "alice", int64(i))
		if err := alice.conversations.Insert(&Conversation{From: "alice", To: "bob", Accepted: true, Topic: &topic}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		payload := []byte(`{"From":"bob","Content":"hi","SendedAt":"2024-01-01T00:00:00Z"}`)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			alice.Route(topic, payload)
		}()
		go func() {
			defer wg.Done()
			alice.conversations.Delete("alice", "bob", nil)
		}()
		wg.Wait()
	}

	unread := log.named(EventChatUnread)
	dropped := log.named(EventDropped)
	if len(unread)+len(dropped) != rounds {
		t.Fatalf("got %d unread and %d dropped events, want %d in total", len(unread), len(dropped), rounds)
	}
	for _, e := range unread {
		if e.Fields["unread"] != 1 {
			t.Fatalf("unread event on a removed conversation: %v", e)
		}
	}
	for _, e := range dropped {
		if e.Fields["reason"] != ErrConversationNotFound.Error() {
			t.Fatalf("unexpected drop reason: %v", e)
		}
	}
}

// credentialBus records the options Connect was called with.
type credentialBus struct {
	*bus.Memory
	opts bus.ConnectOptions
}

func (b *credentialBus) Connect(ctx context.Context, opts bus.ConnectOptions) error {
	b.opts = opts
	return b.Memory.Connect(ctx, opts)
}

func TestConnectCredentials(t *testing.T) {
	t.Run("chat username is the client id, not the broker login", func(t *testing.T) {
		b := &credentialBus{Memory: bus.NewMemory(bus.NewBroker())}
		c, err := NewClient(b, "alice", WithPassword("secret"))
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		defer c.Close(context.Background())

		if b.opts.ClientID != "alice" {
			t.Errorf("ClientID = %q, want alice", b.opts.ClientID)
		}
		if b.opts.Username != "" {
			t.Errorf("Username = %q, want empty", b.opts.Username)
		}
		if b.opts.Password != "secret" {
			t.Errorf("Password = %q", b.opts.Password)
		}
	})

	t.Run("explicit broker login and client id", func(t *testing.T) {
		b := &credentialBus{Memory: bus.NewMemory(bus.NewBroker())}
		c, err := NewClient(b, "alice", WithBrokerUsername("svc"), WithClientID("alice-laptop"))
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		defer c.Close(context.Background())

		if b.opts.Username != "svc" || b.opts.ClientID != "alice-laptop" {
			t.Errorf("opts = %+v", b.opts)
		}
	})
}
