package walkietalkie

import (
	"sort"
	"time"
)

// ============================================================================
// User
// ============================================================================

// User is a peer as seen through presence messages.
type User struct {
	Username string `json:"Username"`
	IsOnline bool   `json:"IsOnline"`
}

// ControlTopic returns the topic the user receives handshakes on.
func (u User) ControlTopic() string {
	return ControlTopic(u.Username)
}

// ============================================================================
// Message
// ============================================================================

// Message is one chat line, immutable once sent.
type Message struct {
	From     string    `json:"From"`
	Content  string    `json:"Content"`
	SendedAt time.Time `json:"SendedAt"`
}

func (m Message) IsValid() bool {
	return m.From != "" && m.Content != ""
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is a one-to-one chat between From (the requester) and To.
// Topic is set iff the conversation is accepted.
type Conversation struct {
	From           string     `json:"From"`
	To             string     `json:"To"`
	Accepted       bool       `json:"Accepted"`
	Topic          *string    `json:"Topic"`
	UnreadMessages []Message  `json:"UnreadMessages"`
	LastMessageAt  *time.Time `json:"LastMessageAt"`
}

func (c Conversation) IsValid() bool {
	return c.From != "" && c.To != ""
}

// Accept marks the conversation accepted on topic.
func (c *Conversation) Accept(topic string) {
	c.Accepted = true
	c.Topic = &topic
}

// TopicName returns the chat topic, or "" while pending.
func (c *Conversation) TopicName() string {
	if c.Topic == nil {
		return ""
	}
	return *c.Topic
}

// With returns the other side of the conversation for username.
func (c *Conversation) With(username string) string {
	if c.From == username {
		return c.To
	}
	return c.From
}

// Involves reports whether the conversation is between a and b, in any order.
func (c *Conversation) Involves(a, b string) bool {
	return (c.From == a && c.To == b) || (c.From == b && c.To == a)
}

func (c *Conversation) AddUnread(m Message) {
	c.UnreadMessages = append(c.UnreadMessages, m)
	c.touch(m.SendedAt)
}

// DrainUnread empties the unread buffer and returns what it held.
func (c *Conversation) DrainUnread() []Message {
	msgs := c.UnreadMessages
	c.UnreadMessages = nil
	return msgs
}

func (c *Conversation) touch(at time.Time) {
	c.LastMessageAt = &at
}

func (c *Conversation) clone() *Conversation {
	cp := *c
	if c.Topic != nil {
		t := *c.Topic
		cp.Topic = &t
	}
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		cp.LastMessageAt = &at
	}
	cp.UnreadMessages = append([]Message(nil), c.UnreadMessages...)
	return &cp
}

// ============================================================================
// Group
// ============================================================================

// GroupRequest asks the leader of GroupName to admit Username.
type GroupRequest struct {
	GroupName string `json:"GroupName"`
	Username  string `json:"Username"`
	Accepted  bool   `json:"Accepted"`
}

func (r GroupRequest) IsValid() bool {
	return r.GroupName != "" && r.Username != ""
}

// Group is a replicated document: the last published version wins.
// UnreadMessages and LastMessageAt are local to each client.
type Group struct {
	Name     string         `json:"Name"`
	Leader   User           `json:"Leader"`
	Members  []User         `json:"Members"`
	Requests []GroupRequest `json:"Requests"`

	UnreadMessages []Message  `json:"-"`
	LastMessageAt  *time.Time `json:"-"`
}

func (g *Group) IsLeader(username string) bool {
	return g.Leader.Username == username
}

func (g *Group) IsMember(username string) bool {
	for _, m := range g.Members {
		if m.Username == username {
			return true
		}
	}
	return false
}

// IsPartOf reports whether username leads or belongs to the group.
func (g *Group) IsPartOf(username string) bool {
	return g.IsLeader(username) || g.IsMember(username)
}

// AddMember adds u unless already present. The leader is never a member.
func (g *Group) AddMember(u User) {
	if g.IsPartOf(u.Username) {
		return
	}
	g.Members = append(g.Members, u)
	sort.Slice(g.Members, func(i, j int) bool { return g.Members[i].Username < g.Members[j].Username })
}

// AddRequest appends r unless a request for the same user is already
// pending. It reports whether r was added.
func (g *Group) AddRequest(r GroupRequest) bool {
	for _, existing := range g.Requests {
		if existing.GroupName == r.GroupName && existing.Username == r.Username {
			return false
		}
	}
	g.Requests = append(g.Requests, r)
	return true
}

func (g *Group) RemoveRequest(groupName, username string) {
	kept := g.Requests[:0]
	for _, r := range g.Requests {
		if r.GroupName != groupName || r.Username != username {
			kept = append(kept, r)
		}
	}
	g.Requests = kept
}

// PendingRequests returns the requests still awaiting a decision.
func (g *Group) PendingRequests() []GroupRequest {
	var out []GroupRequest
	for _, r := range g.Requests {
		if !r.Accepted {
			out = append(out, r)
		}
	}
	return out
}

func (g *Group) AddUnread(m Message) {
	g.UnreadMessages = append(g.UnreadMessages, m)
	g.touch(m.SendedAt)
}

func (g *Group) DrainUnread() []Message {
	msgs := g.UnreadMessages
	g.UnreadMessages = nil
	return msgs
}

func (g *Group) touch(at time.Time) {
	g.LastMessageAt = &at
}

func (g *Group) clone() *Group {
	cp := *g
	cp.Members = append([]User(nil), g.Members...)
	cp.Requests = append([]GroupRequest(nil), g.Requests...)
	cp.UnreadMessages = append([]Message(nil), g.UnreadMessages...)
	if g.LastMessageAt != nil {
		at := *g.LastMessageAt
		cp.LastMessageAt = &at
	}
	return &cp
}
