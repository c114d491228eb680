package walkietalkie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	errStaleEcho      = errors.New("stale echo of own request")
	errDuplicate      = errors.New("duplicate request")
	errCrossedRequest = errors.New("crossed request, own request kept")
	errNotAddressed   = errors.New("conversation not addressed to self")
	errForeignHistory = errors.New("history of another user")
)

// ============================================================================
// Outbound
// ============================================================================

// RequestChat asks to to start a conversation. The pending conversation is
// cached before the request is sent.
func (c *Client) RequestChat(ctx context.Context, to string) error {
	if !ValidUsername(to) {
		return ErrInvalidName
	}
	if to == c.self {
		return ErrSelfConversation
	}
	conv := &Conversation{From: c.self, To: to}
	if err := c.conversations.Insert(conv); err != nil {
		return err
	}
	if err := c.publish(ctx, ControlTopic(to), conv, false); err != nil {
		c.conversations.Delete(c.self, to, nil)
		return err
	}
	c.emit(EventChatRequested, Fields{"to": to})
	return nil
}

// PendingChatRequests returns requests other users sent to this user that
// have not been answered.
func (c *Client) PendingChatRequests() []Conversation {
	return c.conversations.Pending(c.self)
}

// AcceptChat accepts requester's pending request: the conversation gets its
// topic, the requester is told and a history copy is retained for later
// sessions. Accepting an accepted conversation does nothing.
func (c *Client) AcceptChat(ctx context.Context, requester string) error {
	topic := ConversationTopic(c.self, requester, c.now().UnixMilli())

	var accepted *Conversation
	err := c.conversations.Update(c.self, requester, func(conv *Conversation) error {
		if conv.Accepted {
			return nil
		}
		if conv.From != requester {
			return ErrRequestNotFound
		}
		conv.Accept(topic)
		accepted = conv.clone()
		return nil
	})
	if errors.Is(err, ErrConversationNotFound) {
		return ErrRequestNotFound
	}
	if err != nil || accepted == nil {
		return err
	}

	if err := c.subscribe(ctx, topic); err != nil {
		return err
	}
	if err := c.publish(ctx, ControlTopic(requester), wireConversation(accepted), false); err != nil {
		return err
	}
	if err := c.publishHistory(ctx, accepted); err != nil {
		return err
	}
	c.emit(EventChatAccepted, Fields{"with": requester, "topic": topic})
	return nil
}

// RejectChat drops requester's pending request and sends it back so the
// requester drops it too.
func (c *Client) RejectChat(ctx context.Context, requester string) error {
	removed, err := c.conversations.Delete(c.self, requester, func(conv *Conversation) error {
		if conv.Accepted || conv.From != requester {
			return ErrRequestNotFound
		}
		return nil
	})
	if errors.Is(err, ErrConversationNotFound) {
		return ErrRequestNotFound
	}
	if err != nil {
		return err
	}
	if err := c.publish(ctx, ControlTopic(requester), wireConversation(removed), false); err != nil {
		return err
	}
	c.emit(EventChatRejected, Fields{"with": requester, "by": c.self})
	return nil
}

// SendMessage publishes content on the conversation with peer.
func (c *Client) SendMessage(ctx context.Context, peer, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	conv, ok := c.conversations.Find(c.self, peer)
	if !ok {
		return ErrConversationNotFound
	}
	if !conv.Accepted {
		return ErrConversationNotAccepted
	}

	msg := Message{From: c.self, Content: content, SendedAt: c.now()}
	if err := c.publish(ctx, conv.TopicName(), msg, false); err != nil {
		return err
	}
	if err := c.conversations.Update(c.self, peer, func(conv *Conversation) error {
		conv.touch(msg.SendedAt)
		return nil
	}); err != nil {
		return fmt.Errorf("record sent message: %w", err)
	}
	c.emit(EventChatSent, Fields{"to": peer, "topic": conv.TopicName()})
	return nil
}

// OpenConversation marks peer's conversation as the one being viewed and
// returns the messages that arrived while it was not.
func (c *Client) OpenConversation(peer string) ([]Message, error) {
	conv, ok := c.conversations.Find(c.self, peer)
	if !ok {
		return nil, ErrConversationNotFound
	}
	if !conv.Accepted {
		return nil, ErrConversationNotAccepted
	}

	c.status.StartChatting(peer)
	var unread []Message
	err := c.conversations.Update(c.self, peer, func(conv *Conversation) error {
		unread = conv.DrainUnread()
		return nil
	})
	return unread, err
}

// CloseConversation leaves the conversation view.
func (c *Client) CloseConversation() {
	c.status.StopChatting()
}

// Conversation returns the cached conversation with peer.
func (c *Client) Conversation(peer string) (Conversation, bool) {
	conv, ok := c.conversations.Find(c.self, peer)
	if !ok {
		return Conversation{}, false
	}
	return *conv, true
}

// Conversations lists accepted conversations, most recent message first.
func (c *Client) Conversations() []Conversation {
	return c.conversations.Accepted(c.self)
}

func (c *Client) publishHistory(ctx context.Context, conv *Conversation) error {
	return c.publish(ctx, HistoryTopic(c.self, conv.TopicName()), wireConversation(conv), true)
}

// wireConversation strips local bookkeeping before a conversation is sent.
func wireConversation(conv *Conversation) *Conversation {
	cp := conv.clone()
	cp.UnreadMessages = nil
	cp.LastMessageAt = nil
	return cp
}

// ============================================================================
// Inbound
// ============================================================================

// handleControlConversation applies a handshake received on the own control
// topic.
func (c *Client) handleControlConversation(in *Conversation) error {
	if in.From != c.self && in.To != c.self {
		return errNotAddressed
	}
	peer := in.With(c.self)

	local, ok := c.conversations.Find(c.self, peer)
	if !ok {
		switch {
		case in.Accepted:
			return c.adoptAccepted(in, EventChatAccepted)
		case in.From == c.self:
			return errStaleEcho
		}
		c.conversations.Insert(&Conversation{From: in.From, To: in.To})
		c.emit(EventChatRequestReceived, Fields{"from": in.From})
		return nil
	}

	if in.Accepted {
		return c.acceptedByPeer(peer, in)
	}

	switch {
	case local.Accepted:
		return errStaleEcho
	case in.From == c.self && local.From == c.self:
		// The peer sent our own request back: rejected.
		if _, err := c.conversations.Delete(c.self, peer, nil); err != nil {
			return err
		}
		c.emit(EventChatRejected, Fields{"with": peer, "by": peer})
		return nil
	case in.From == peer && local.From == peer:
		return errDuplicate
	case c.self < peer:
		// Both sides requested at once; the lower username's request wins.
		return errCrossedRequest
	}
	c.conversations.Replace(&Conversation{From: in.From, To: in.To})
	c.emit(EventChatRequestReceived, Fields{"from": in.From})
	return nil
}

func (c *Client) acceptedByPeer(peer string, in *Conversation) error {
	if in.Topic == nil || Classify(c.self, *in.Topic) != TopicConversation {
		return errMalformed
	}
	topic := *in.Topic

	var accepted *Conversation
	err := c.conversations.Update(c.self, peer, func(conv *Conversation) error {
		if conv.Accepted {
			return nil
		}
		conv.Accept(topic)
		accepted = conv.clone()
		return nil
	})
	if err != nil || accepted == nil {
		return err
	}

	ctx, cancel := c.handlerContext()
	defer cancel()
	if err := c.subscribe(ctx, topic); err != nil {
		return err
	}
	if err := c.publishHistory(ctx, accepted); err != nil {
		return err
	}
	c.emit(EventChatAccepted, Fields{"with": peer, "topic": topic})
	return nil
}

// adoptAccepted caches an accepted conversation this client has no record
// of and subscribes to its topic.
func (c *Client) adoptAccepted(in *Conversation, event string) error {
	if in.Topic == nil || Classify(c.self, *in.Topic) != TopicConversation {
		return errMalformed
	}
	if _, ok := c.conversations.FindByTopic(*in.Topic); ok {
		return nil
	}
	conv := &Conversation{From: in.From, To: in.To}
	conv.Accept(*in.Topic)
	if err := c.conversations.Insert(conv); err != nil {
		return err
	}

	ctx, cancel := c.handlerContext()
	defer cancel()
	if err := c.subscribe(ctx, *in.Topic); err != nil {
		return err
	}
	c.emit(event, Fields{"with": conv.With(c.self), "topic": *in.Topic})
	return nil
}

// handleHistory restores an accepted conversation from this user's
// retained history.
func (c *Client) handleHistory(topic string, payload []byte) error {
	if !strings.HasPrefix(topic, HistoryPrefix+c.self+"/") {
		return errForeignHistory
	}
	var conv Conversation
	if err := json.Unmarshal(payload, &conv); err != nil || !conv.IsValid() || !conv.Accepted {
		return errMalformed
	}
	if conv.From != c.self && conv.To != c.self {
		return errNotAddressed
	}
	if conv.Topic == nil || HistoryTopic(c.self, *conv.Topic) != topic {
		return errTopicMismatch
	}
	return c.adoptAccepted(&conv, EventChatRestored)
}

// handleConversationMessage renders or buffers a message on an accepted
// conversation topic.
func (c *Client) handleConversationMessage(topic string, payload []byte) error {
	conv, ok := c.conversations.FindByTopic(topic)
	if !ok {
		return ErrConversationNotFound
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil || !msg.IsValid() {
		return errMalformed
	}
	if msg.From == c.self {
		return errSelfEcho
	}
	peer := conv.With(c.self)
	if msg.From != peer {
		return errNotAddressed
	}

	// The conversation may have been removed or replaced since the lookup.
	sameTopic := func(conv *Conversation) error {
		if conv.TopicName() != topic {
			return ErrConversationNotFound
		}
		return nil
	}

	if c.status.IsChattingWith(peer) {
		if err := c.conversations.Update(c.self, peer, func(conv *Conversation) error {
			if err := sameTopic(conv); err != nil {
				return err
			}
			conv.touch(msg.SendedAt)
			return nil
		}); err != nil {
			return err
		}
		c.emit(EventChatMessage, Fields{"from": peer, "message": msg})
		return nil
	}

	var unread int
	if err := c.conversations.Update(c.self, peer, func(conv *Conversation) error {
		if err := sameTopic(conv); err != nil {
			return err
		}
		conv.AddUnread(msg)
		unread = len(conv.UnreadMessages)
		return nil
	}); err != nil {
		return err
	}
	c.emit(EventChatUnread, Fields{"from": peer, "unread": unread})
	return nil
}
