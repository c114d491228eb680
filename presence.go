package walkietalkie

import (
	"context"
	"encoding/json"
	"errors"
)

// GoOnline publishes the user's retained presence record as online.
func (c *Client) GoOnline(ctx context.Context) error {
	return c.setPresence(ctx, true)
}

// GoOffline publishes the user's retained presence record as offline.
func (c *Client) GoOffline(ctx context.Context) error {
	return c.setPresence(ctx, false)
}

func (c *Client) setPresence(ctx context.Context, online bool) error {
	u := User{Username: c.self, IsOnline: online}
	c.users.Upsert(u)
	return c.publish(ctx, UserTopic(c.self), u, true)
}

// Users lists every known user, offline first, then alphabetically.
func (c *Client) Users() []User {
	return c.users.List()
}

// User returns the cached presence of username.
func (c *Client) User(username string) (User, bool) {
	return c.users.Get(username)
}

var errTopicMismatch = errors.New("payload does not match topic")

func (c *Client) handlePresence(topic string, payload []byte) error {
	var u User
	if err := json.Unmarshal(payload, &u); err != nil || u.Username == "" {
		return errMalformed
	}
	if topic != UserTopic(u.Username) {
		return errTopicMismatch
	}
	created := c.users.Upsert(u)
	c.emit(EventPresence, Fields{"username": u.Username, "online": u.IsOnline, "new": created})
	return nil
}
