package walkietalkie

import (
	"regexp"
	"strconv"
	"strings"
)

// ============================================================================
// Topic scheme
// ============================================================================

const (
	ControlSuffix       = "_CONTROL"
	UsersPrefix         = "USERS/"
	GroupsPrefix        = "GROUPS/"
	GroupMessagesPrefix = "GROUPS_MESSAGES/"
	HistoryPrefix       = "HISTORY/"
)

var (
	conversationTopicRe = regexp.MustCompile(`^\w+_\w+_\d+$`)
	usernameRe          = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	groupNameRe         = regexp.MustCompile(`^[\w-]+$`)
)

func ControlTopic(username string) string { return username + ControlSuffix }
func UserTopic(username string) string    { return UsersPrefix + username }
func GroupTopic(name string) string       { return GroupsPrefix + name }
func GroupChatTopic(name string) string   { return GroupMessagesPrefix + name }

// ConversationTopic names the chat topic assigned when acceptor accepts
// requester's request at unixMillis.
func ConversationTopic(acceptor, requester string, unixMillis int64) string {
	return acceptor + "_" + requester + "_" + strconv.FormatInt(unixMillis, 10)
}

// HistoryTopic is where username keeps a retained copy of an accepted
// conversation, replayed on the next connect.
func HistoryTopic(username, conversationTopic string) string {
	return HistoryPrefix + username + "/" + conversationTopic
}

// ValidUsername reports whether name can be used as a username. Usernames
// are alphanumeric so conversation topics stay unambiguous.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name)
}

// ValidGroupName reports whether name can be used as a group name.
func ValidGroupName(name string) bool {
	return groupNameRe.MatchString(name)
}

// ============================================================================
// Classification
// ============================================================================

// TopicKind is the handler an inbound topic is routed to.
type TopicKind int

const (
	TopicUnknown TopicKind = iota
	TopicConversation
	TopicControl
	TopicPresence
	TopicGroup
	TopicGroupMessage
	TopicHistory
)

var topicKindNames = map[TopicKind]string{
	TopicUnknown:      "unknown",
	TopicConversation: "conversation",
	TopicControl:      "control",
	TopicPresence:     "presence",
	TopicGroup:        "group",
	TopicGroupMessage: "group_message",
	TopicHistory:      "history",
}

func (k TopicKind) String() string {
	if s, ok := topicKindNames[k]; ok {
		return s
	}
	return "TopicKind(" + strconv.Itoa(int(k)) + ")"
}

// Classify returns the kind of topic as seen by self. The checks run in a
// fixed order and the first match wins.
func Classify(self, topic string) TopicKind {
	switch {
	case conversationTopicRe.MatchString(topic) && !strings.HasPrefix(topic, HistoryPrefix):
		return TopicConversation
	case topic == ControlTopic(self):
		return TopicControl
	case strings.HasPrefix(topic, UsersPrefix):
		return TopicPresence
	case strings.HasPrefix(topic, GroupsPrefix):
		return TopicGroup
	case strings.HasPrefix(topic, GroupMessagesPrefix):
		return TopicGroupMessage
	case strings.HasPrefix(topic, HistoryPrefix):
		return TopicHistory
	}
	return TopicUnknown
}
