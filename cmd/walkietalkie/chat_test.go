package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	walkietalkie "github.com/LuminPulse-AI/walkietalkie"
	"github.com/LuminPulse-AI/walkietalkie/bus"
)

// syncBuffer is a bytes.Buffer safe for the console and its event renderer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func connectClient(t *testing.T, broker *bus.Broker, username string, opts ...walkietalkie.ClientOption) *walkietalkie.Client {
	t.Helper()
	opts = append([]walkietalkie.ClientOption{walkietalkie.WithClientID(username)}, opts...)
	c, err := walkietalkie.NewClient(bus.NewMemory(broker), username, opts...)
	if err != nil {
		t.Fatalf("NewClient(%s): %v", username, err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(%s): %v", username, err)
	}
	broker.Wait()
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

// runConsole drives a console over input until it exits and returns what it
// printed.
func runConsole(t *testing.T, broker *bus.Broker, client *walkietalkie.Client, input string, debug bool) string {
	t.Helper()
	out := &syncBuffer{}
	book := walkietalkie.NewLogBook(50)
	client.OnAny(book.Observe)
	con := newConsole(client, strings.NewReader(input), out, book, debug, 5*time.Second)
	if err := con.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	broker.Wait()
	return out.String()
}

func TestConsole_RequestChat(t *testing.T) {
	broker := bus.NewBroker()
	alice := connectClient(t, broker, "alice")
	bob := connectClient(t, broker, "bob")

	out := runConsole(t, broker, alice, "2\nbob\n0\n", false)
	if !strings.Contains(out, "Request sent to bob") {
		t.Errorf("output missing confirmation:\n%s", out)
	}

	pending := bob.PendingChatRequests()
	if len(pending) != 1 || pending[0].From != "alice" {
		t.Errorf("bob pending = %+v", pending)
	}
}

func TestConsole_AcceptChat(t *testing.T) {
	broker := bus.NewBroker()
	alice := connectClient(t, broker, "alice")
	bob := connectClient(t, broker, "bob")

	if err := bob.RequestChat(context.Background(), "alice"); err != nil {
		t.Fatalf("RequestChat: %v", err)
	}
	broker.Wait()

	out := runConsole(t, broker, alice, "4\nbob\nx\na\n0\n", false)
	if !strings.Contains(out, "Accepted bob") {
		t.Errorf("output missing confirmation:\n%s", out)
	}

	conv, ok := bob.Conversation("alice")
	if !ok || !conv.Accepted {
		t.Errorf("bob's conversation = %+v, %v", conv, ok)
	}
}

func TestConsole_SendMessage(t *testing.T) {
	broker := bus.NewBroker()
	alice := connectClient(t, broker, "alice")
	bob := connectClient(t, broker, "bob")

	ctx := context.Background()
	if err := alice.RequestChat(ctx, "bob"); err != nil {
		t.Fatalf("RequestChat: %v", err)
	}
	broker.Wait()
	if err := bob.AcceptChat(ctx, "alice"); err != nil {
		t.Fatalf("AcceptChat: %v", err)
	}
	broker.Wait()

	out := runConsole(t, broker, alice, "3\nbob\nhello\n\nhow are you\n/back\n0\n", false)
	if !strings.Contains(out, "Chatting with bob") {
		t.Errorf("output missing chat header:\n%s", out)
	}
	if _, ok := alice.Status().Current(); ok {
		t.Error("conversation still open after /back")
	}

	conv, _ := bob.Conversation("alice")
	if len(conv.UnreadMessages) != 2 {
		t.Fatalf("bob unread = %d, want 2", len(conv.UnreadMessages))
	}
	if conv.UnreadMessages[0].Content != "hello" || conv.UnreadMessages[1].Content != "how are you" {
		t.Errorf("bob unread = %+v", conv.UnreadMessages)
	}
}

func TestConsole_Groups(t *testing.T) {
	broker := bus.NewBroker()
	alice := connectClient(t, broker, "alice")
	bob := connectClient(t, broker, "bob")

	runConsole(t, broker, alice, "6\neng\n0\n", false)
	if g, ok := bob.Group("eng"); !ok || g.Leader.Username != "alice" {
		t.Fatalf("bob sees group %+v, %v", g, ok)
	}

	runConsole(t, broker, bob, "7\neng\n0\n", false)
	out := runConsole(t, broker, alice, "9\neng\nbob\na\n0\n", false)
	if !strings.Contains(out, "bob joined eng") {
		t.Errorf("output missing confirmation:\n%s", out)
	}

	g, _ := bob.Group("eng")
	if !g.IsMember("bob") {
		t.Errorf("bob is not a member: %+v", g)
	}

	out = runConsole(t, broker, bob, "5\n0\n", false)
	if !strings.Contains(out, "led by alice") || !strings.Contains(out, "1 members") {
		t.Errorf("group listing:\n%s", out)
	}
}

func TestConsole_Errors(t *testing.T) {
	broker := bus.NewBroker()
	alice := connectClient(t, broker, "alice")

	out := runConsole(t, broker, alice, "42\n2\nalice\n3\n", false)
	if !strings.Contains(out, "no menu entry 42") {
		t.Errorf("output missing menu error:\n%s", out)
	}
	if !strings.Contains(out, walkietalkie.ErrSelfConversation.Error()) {
		t.Errorf("output missing self conversation error:\n%s", out)
	}
	if !strings.Contains(out, "No accepted conversations.") {
		t.Errorf("output missing empty conversation notice:\n%s", out)
	}
}

func TestConsole_ShowLogs(t *testing.T) {
	broker := bus.NewBroker()
	alice := connectClient(t, broker, "alice")

	out := runConsole(t, broker, alice, "-2\n0\n", false)
	if !strings.Contains(out, "no menu entry -2") {
		t.Errorf("logs reachable outside debug mode:\n%s", out)
	}

	book := walkietalkie.NewLogBook(50)
	alice.OnAny(book.Observe)
	if err := alice.GoOnline(context.Background()); err != nil {
		t.Fatalf("GoOnline: %v", err)
	}
	broker.Wait()

	buf := &syncBuffer{}
	con := newConsole(alice, strings.NewReader("-2\n0\n"), buf, book, true, time.Second)
	if err := con.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, walkietalkie.EventPresence) {
		t.Errorf("log book missing presence event:\n%s", out)
	}
}

func TestConsole_Render(t *testing.T) {
	broker := bus.NewBroker()
	alice := connectClient(t, broker, "alice")

	out := &syncBuffer{}
	con := newConsole(alice, strings.NewReader(""), out, walkietalkie.NewLogBook(0), false, time.Second)

	con.render(walkietalkie.Event{Name: walkietalkie.EventChatRequestReceived, Fields: walkietalkie.Fields{"from": "bob"}})
	con.render(walkietalkie.Event{Name: walkietalkie.EventChatUnread, Fields: walkietalkie.Fields{"from": "bob", "unread": 3}})
	con.render(walkietalkie.Event{Name: walkietalkie.EventChatRejected, Fields: walkietalkie.Fields{"with": "bob", "by": "alice"}})
	con.render(walkietalkie.Event{Name: walkietalkie.EventGroupRequestReceived, Fields: walkietalkie.Fields{"group": "eng", "username": "carol"}})
	con.render(walkietalkie.Event{Name: walkietalkie.EventChatMessage, Fields: walkietalkie.Fields{
		"from":    "bob",
		"message": walkietalkie.Message{From: "bob", Content: "ping", SendedAt: time.Now()},
	}})

	got := out.String()
	for _, want := range []string{"bob wants to chat", "3 unread", "carol wants to join eng", "ping"} {
		if !strings.Contains(got, want) {
			t.Errorf("render output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "declined") {
		t.Errorf("own rejection announced:\n%s", got)
	}
}
