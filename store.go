package walkietalkie

import (
	"sort"
	"sync"
)

// The stores are the client's local projections of what it has seen on the
// bus. They are written from both the caller's goroutine and the bus
// delivery goroutine; every method runs in one critical section and values
// handed out are copies.

// ============================================================================
// UserStore
// ============================================================================

// UserStore caches presence by username.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]*User)}
}

// Upsert inserts u, or only flips IsOnline of a known user. It reports
// whether the user was new.
func (s *UserStore) Upsert(u User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[u.Username]; ok {
		existing.IsOnline = u.IsOnline
		return false
	}
	s.users[u.Username] = &u
	return true
}

func (s *UserStore) Get(username string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// List returns offline users first, then online ones, each alphabetically.
func (s *UserStore) List() []User {
	s.mu.RLock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsOnline != out[j].IsOnline {
			return !out[i].IsOnline
		}
		return out[i].Username < out[j].Username
	})
	return out
}

func (s *UserStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore holds at most one conversation per unordered pair of
// usernames.
type ConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{convs: make(map[string]*Conversation)}
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// Insert adds c unless a conversation for the same pair exists.
func (s *ConversationStore) Insert(c *Conversation) error {
	key := pairKey(c.From, c.To)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[key]; ok {
		return ErrConversationExists
	}
	s.convs[key] = c.clone()
	return nil
}

// Replace stores c for its pair, whatever was there.
func (s *ConversationStore) Replace(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[pairKey(c.From, c.To)] = c.clone()
}

// Find returns the conversation between a and b.
func (s *ConversationStore) Find(a, b string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[pairKey(a, b)]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// FindByTopic returns the accepted conversation using topic.
func (s *ConversationStore) FindByTopic(topic string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.convs {
		if c.Topic != nil && *c.Topic == topic {
			return c.clone(), true
		}
	}
	return nil, false
}

// Update runs fn on the stored conversation between a and b. The change is
// kept only if fn returns nil.
func (s *ConversationStore) Update(a, b string, fn func(c *Conversation) error) error {
	key := pairKey(a, b)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[key]
	if !ok {
		return ErrConversationNotFound
	}
	working := c.clone()
	if err := fn(working); err != nil {
		return err
	}
	s.convs[key] = working
	return nil
}

// Delete removes the conversation between a and b if check approves it,
// and returns what was removed.
func (s *ConversationStore) Delete(a, b string, check func(c *Conversation) error) (*Conversation, error) {
	key := pairKey(a, b)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[key]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if check != nil {
		if err := check(c.clone()); err != nil {
			return nil, err
		}
	}
	delete(s.convs, key)
	return c.clone(), nil
}

// Pending returns the unaccepted requests other users sent to username.
func (s *ConversationStore) Pending(username string) []Conversation {
	s.mu.RLock()
	var out []Conversation
	for _, c := range s.convs {
		if !c.Accepted && c.To == username && c.From != username {
			out = append(out, *c.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}

// Accepted returns username's accepted conversations, most recent message
// first, then by peer.
func (s *ConversationStore) Accepted(username string) []Conversation {
	s.mu.RLock()
	var out []Conversation
	for _, c := range s.convs {
		if c.Accepted && (c.From == username || c.To == username) {
			out = append(out, *c.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case ti != nil && tj != nil && !ti.Equal(*tj):
			return ti.After(*tj)
		case ti != nil && tj == nil:
			return true
		case ti == nil && tj != nil:
			return false
		}
		return out[i].With(username) < out[j].With(username)
	})
	return out
}

func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// ============================================================================
// GroupStore
// ============================================================================

// GroupStore caches group documents by name.
type GroupStore struct {
	mu     sync.RWMutex
	groups map[string]*Group
}

func NewGroupStore() *GroupStore {
	return &GroupStore{groups: make(map[string]*Group)}
}

// Insert adds g unless a group with that name is known.
func (s *GroupStore) Insert(g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.Name]; ok {
		return ErrGroupExists
	}
	s.groups[g.Name] = g.clone()
	return nil
}

// Save stores a received document, replacing the replicated fields of any
// cached version wholesale. The local unread buffer survives.
func (s *GroupStore) Save(g *Group) {
	incoming := g.clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.groups[g.Name]; ok {
		incoming.UnreadMessages = existing.UnreadMessages
		incoming.LastMessageAt = existing.LastMessageAt
	} else {
		incoming.UnreadMessages = nil
		incoming.LastMessageAt = nil
	}
	s.groups[g.Name] = incoming
}

func (s *GroupStore) Get(name string) (*Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	if !ok {
		return nil, false
	}
	return g.clone(), true
}

// Update runs fn on the stored group. The change is kept only if fn
// returns nil.
func (s *GroupStore) Update(name string, fn func(g *Group) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[name]
	if !ok {
		return ErrGroupNotFound
	}
	working := g.clone()
	if err := fn(working); err != nil {
		return err
	}
	s.groups[name] = working
	return nil
}

func (s *GroupStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, name)
}

// List returns all groups ordered by name.
func (s *GroupStore) List() []Group {
	return s.filter(func(*Group) bool { return true })
}

// PartOf returns the groups username leads or belongs to, ordered by name.
func (s *GroupStore) PartOf(username string) []Group {
	return s.filter(func(g *Group) bool { return g.IsPartOf(username) })
}

func (s *GroupStore) filter(keep func(*Group) bool) []Group {
	s.mu.RLock()
	var out []Group
	for _, g := range s.groups {
		if keep(g) {
			out = append(out, *g.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
