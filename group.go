package walkietalkie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Outbound
// ============================================================================

// CreateGroup creates name with this user as leader, publishes the retained
// document and joins its chat topic.
func (c *Client) CreateGroup(ctx context.Context, name string) error {
	if !ValidGroupName(name) {
		return ErrInvalidName
	}
	g := &Group{Name: name, Leader: c.Self()}
	if err := c.groups.Insert(g); err != nil {
		return err
	}
	if err := c.publish(ctx, GroupTopic(name), g, true); err != nil {
		c.groups.Delete(name)
		return err
	}
	if err := c.subscribe(ctx, GroupChatTopic(name)); err != nil {
		return err
	}
	c.emit(EventGroupCreated, Fields{"group": name})
	return nil
}

// JoinGroup sends a join request to the leader of name.
func (c *Client) JoinGroup(ctx context.Context, name string) error {
	g, ok := c.groups.Get(name)
	if !ok {
		return ErrGroupNotFound
	}
	if g.IsPartOf(c.self) {
		return ErrAlreadyMember
	}
	req := GroupRequest{GroupName: name, Username: c.self}
	if err := c.publish(ctx, ControlTopic(g.Leader.Username), req, false); err != nil {
		return err
	}
	c.emit(EventGroupJoinRequested, Fields{"group": name, "leader": g.Leader.Username})
	return nil
}

// PendingGroupRequests returns the undecided join requests of a group this
// user leads.
func (c *Client) PendingGroupRequests(name string) ([]GroupRequest, error) {
	g, ok := c.groups.Get(name)
	if !ok {
		return nil, ErrGroupNotFound
	}
	if !g.IsLeader(c.self) {
		return nil, ErrNotGroupLeader
	}
	return g.PendingRequests(), nil
}

// AcceptGroupRequest admits username and republishes the group.
func (c *Client) AcceptGroupRequest(ctx context.Context, name, username string) error {
	return c.decideGroupRequest(ctx, name, username, true)
}

// RejectGroupRequest discards username's request and republishes the group.
func (c *Client) RejectGroupRequest(ctx context.Context, name, username string) error {
	return c.decideGroupRequest(ctx, name, username, false)
}

func (c *Client) decideGroupRequest(ctx context.Context, name, username string, accept bool) error {
	member, ok := c.users.Get(username)
	if !ok {
		member = User{Username: username}
	}

	var doc *Group
	err := c.groups.Update(name, func(g *Group) error {
		if !g.IsLeader(c.self) {
			return ErrNotGroupLeader
		}
		found := false
		for i, r := range g.Requests {
			if r.Username == username && !r.Accepted {
				g.Requests[i].Accepted = accept
				found = true
			}
		}
		if !found {
			return ErrRequestNotFound
		}
		if accept {
			g.AddMember(member)
		}
		g.RemoveRequest(name, username)
		doc = g.clone()
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.publish(ctx, GroupTopic(name), doc, true); err != nil {
		return err
	}

	event := EventGroupRequestRejected
	if accept {
		event = EventGroupRequestAccepted
	}
	c.emit(event, Fields{"group": name, "username": username, "members": len(doc.Members)})
	return nil
}

// SendGroupMessage publishes content on the chat topic of name.
func (c *Client) SendGroupMessage(ctx context.Context, name, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	g, ok := c.groups.Get(name)
	if !ok {
		return ErrGroupNotFound
	}
	if !g.IsPartOf(c.self) {
		return ErrNotGroupMember
	}

	msg := Message{From: c.self, Content: content, SendedAt: c.now()}
	if err := c.publish(ctx, GroupChatTopic(name), msg, false); err != nil {
		return err
	}
	if err := c.groups.Update(name, func(g *Group) error {
		g.touch(msg.SendedAt)
		return nil
	}); err != nil {
		return fmt.Errorf("record sent message: %w", err)
	}
	c.emit(EventGroupSent, Fields{"group": name})
	return nil
}

// OpenGroup marks the group as the one being viewed and returns the
// messages that arrived while it was not.
func (c *Client) OpenGroup(name string) ([]Message, error) {
	g, ok := c.groups.Get(name)
	if !ok {
		return nil, ErrGroupNotFound
	}
	if !g.IsPartOf(c.self) {
		return nil, ErrNotGroupMember
	}

	c.status.StartChatting(GroupChatTopic(name))
	var unread []Message
	err := c.groups.Update(name, func(g *Group) error {
		unread = g.DrainUnread()
		return nil
	})
	return unread, err
}

// CloseGroup leaves the group view.
func (c *Client) CloseGroup() {
	c.status.StopChatting()
}

// Group returns the cached document of name.
func (c *Client) Group(name string) (Group, bool) {
	g, ok := c.groups.Get(name)
	if !ok {
		return Group{}, false
	}
	return *g, true
}

// Groups lists every known group by name.
func (c *Client) Groups() []Group {
	return c.groups.List()
}

// MyGroups lists the groups this user leads or belongs to.
func (c *Client) MyGroups() []Group {
	return c.groups.PartOf(c.self)
}

// ============================================================================
// Inbound
// ============================================================================

var errNotLeaderRequest = errors.New("join request for a group led by someone else")

// handleGroupDocument stores a group document as received. The newest
// document wins; nothing is merged.
func (c *Client) handleGroupDocument(topic string, payload []byte) error {
	var g Group
	if err := json.Unmarshal(payload, &g); err != nil || g.Name == "" || g.Leader.Username == "" {
		return errMalformed
	}
	if topic != GroupTopic(g.Name) {
		return errTopicMismatch
	}

	wasPartOf := false
	if prev, ok := c.groups.Get(g.Name); ok {
		wasPartOf = prev.IsPartOf(c.self)
	}
	c.groups.Save(&g)
	c.emit(EventGroupSaved, Fields{"group": g.Name, "leader": g.Leader.Username, "members": len(g.Members)})

	if !g.IsPartOf(c.self) {
		return nil
	}
	ctx, cancel := c.handlerContext()
	defer cancel()
	if err := c.subscribe(ctx, GroupChatTopic(g.Name)); err != nil {
		return err
	}
	if !wasPartOf && !g.IsLeader(c.self) {
		c.emit(EventGroupJoined, Fields{"group": g.Name})
	}
	return nil
}

// handleGroupRequest queues a join request for a group this user leads.
func (c *Client) handleGroupRequest(req *GroupRequest) error {
	if req.Username == c.self {
		return errSelfEcho
	}
	added := false
	err := c.groups.Update(req.GroupName, func(g *Group) error {
		if !g.IsLeader(c.self) {
			return errNotLeaderRequest
		}
		if g.IsPartOf(req.Username) {
			return ErrAlreadyMember
		}
		added = g.AddRequest(GroupRequest{GroupName: req.GroupName, Username: req.Username})
		return nil
	})
	if err != nil {
		return err
	}
	if !added {
		return errDuplicate
	}
	c.emit(EventGroupRequestReceived, Fields{"group": req.GroupName, "username": req.Username})
	return nil
}

// handleGroupMessage renders or buffers a message on a group chat topic.
func (c *Client) handleGroupMessage(topic string, payload []byte) error {
	name := strings.TrimPrefix(topic, GroupMessagesPrefix)
	g, ok := c.groups.Get(name)
	if !ok {
		return ErrGroupNotFound
	}
	if !g.IsPartOf(c.self) {
		return ErrNotGroupMember
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil || !msg.IsValid() {
		return errMalformed
	}
	if msg.From == c.self {
		return errSelfEcho
	}

	// Membership may have changed since the lookup.
	stillPartOf := func(g *Group) error {
		if !g.IsPartOf(c.self) {
			return ErrNotGroupMember
		}
		return nil
	}

	if c.status.IsChattingWith(topic) {
		if err := c.groups.Update(name, func(g *Group) error {
			if err := stillPartOf(g); err != nil {
				return err
			}
			g.touch(msg.SendedAt)
			return nil
		}); err != nil {
			return err
		}
		c.emit(EventGroupMessage, Fields{"group": name, "from": msg.From, "message": msg})
		return nil
	}

	var unread int
	if err := c.groups.Update(name, func(g *Group) error {
		if err := stillPartOf(g); err != nil {
			return err
		}
		g.AddUnread(msg)
		unread = len(g.UnreadMessages)
		return nil
	}); err != nil {
		return err
	}
	c.emit(EventGroupUnread, Fields{"group": name, "from": msg.From, "unread": unread})
	return nil
}
