package walkietalkie

import (
	"bytes"
	"encoding/json"
	"errors"
)

var (
	errMalformed    = errors.New("malformed payload")
	errUnknownTopic = errors.New("unknown topic")
	errSelfEcho     = errors.New("own message echo")
)

// Route is the bus handler: it classifies topic and hands payload to the
// matching handler. Deliveries that cannot be applied are dropped and
// reported as EventDropped.
func (c *Client) Route(topic string, payload []byte) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return
	}

	kind := Classify(c.self, topic)
	var err error
	switch kind {
	case TopicConversation:
		err = c.handleConversationMessage(topic, payload)
	case TopicControl:
		err = c.handleControl(payload)
	case TopicPresence:
		err = c.handlePresence(topic, payload)
	case TopicGroup:
		err = c.handleGroupDocument(topic, payload)
	case TopicGroupMessage:
		err = c.handleGroupMessage(topic, payload)
	case TopicHistory:
		err = c.handleHistory(topic, payload)
	default:
		err = errUnknownTopic
	}

	if err != nil {
		c.emit(EventDropped, Fields{"topic": topic, "kind": kind.String(), "reason": err.Error()})
	}
}

// handleControl tells conversation handshakes from group join requests.
func (c *Client) handleControl(payload []byte) error {
	var conv Conversation
	if err := json.Unmarshal(payload, &conv); err == nil && conv.IsValid() {
		return c.handleControlConversation(&conv)
	}
	var req GroupRequest
	if err := json.Unmarshal(payload, &req); err == nil && req.IsValid() {
		return c.handleGroupRequest(&req)
	}
	return errMalformed
}
