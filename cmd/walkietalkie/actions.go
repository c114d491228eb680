package main

import (
	"fmt"
	"strconv"
	"strings"
)

// Action is one entry of the chat console menu.
type Action int

const (
	ActionShowLogs            Action = -2
	ActionExit                Action = 0
	ActionListUsers           Action = 1
	ActionRequestChat         Action = 2
	ActionSendMessage         Action = 3
	ActionManageChatRequests  Action = 4
	ActionListGroups          Action = 5
	ActionCreateGroup         Action = 6
	ActionJoinGroup           Action = 7
	ActionSendGroupMessage    Action = 8
	ActionManageGroupRequests Action = 9
)

type actionEntry struct {
	action    Action
	label     string
	debugOnly bool
}

// menu is the mapping between menu numbers and actions, in display order.
var menu = []actionEntry{
	{ActionListUsers, "List users", false},
	{ActionRequestChat, "Request chat", false},
	{ActionSendMessage, "Send message", false},
	{ActionManageChatRequests, "Manage chat requests", false},
	{ActionListGroups, "List groups", false},
	{ActionCreateGroup, "Create group", false},
	{ActionJoinGroup, "Join group", false},
	{ActionSendGroupMessage, "Send group message", false},
	{ActionManageGroupRequests, "Manage group requests", false},
	{ActionShowLogs, "Show logs", true},
	{ActionExit, "Exit", false},
}

func (a Action) String() string {
	for _, e := range menu {
		if e.action == a {
			return e.label
		}
	}
	return "Action(" + strconv.Itoa(int(a)) + ")"
}

// parseAction maps menu input to an action. Debug-only entries are only
// accepted in debug mode.
func parseAction(input string, debug bool) (Action, error) {
	n, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil {
		return 0, fmt.Errorf("not a menu number: %q", input)
	}
	for _, e := range menu {
		if int(e.action) == n && (!e.debugOnly || debug) {
			return e.action, nil
		}
	}
	return 0, fmt.Errorf("no menu entry %d", n)
}

// menuEntries returns the entries visible in the given mode.
func menuEntries(debug bool) []actionEntry {
	var out []actionEntry
	for _, e := range menu {
		if !e.debugOnly || debug {
			out = append(out, e)
		}
	}
	return out
}
