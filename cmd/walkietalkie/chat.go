package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	walkietalkie "github.com/LuminPulse-AI/walkietalkie"
)

var chatUsername string

func init() {
	chatCmd.Flags().StringVarP(&chatUsername, "username", "u", "", "username (defaults to default.username)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the interactive chat console",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.withDefaults()

		username := valueOrDefault(chatUsername, cfg.Default.Username)
		if username == "" {
			return errors.New("no username. Run 'walkietalkie init <username>' first")
		}

		logger, err := newLogger(cfg, true)
		if err != nil {
			return err
		}
		defer logger.Sync()

		b, err := newBus(cfg)
		if err != nil {
			return err
		}

		book := walkietalkie.NewLogBook(200)
		opts := append(clientOptions(cfg),
			walkietalkie.WithLogger(logger),
			walkietalkie.WithObserver(book.Observe),
		)
		client, err := walkietalkie.NewClient(b, username, opts...)
		if err != nil {
			return err
		}

		timeout := time.Duration(cfg.Broker.Timeout) * time.Second
		con := newConsole(client, cmd.InOrStdin(), cmd.OutOrStdout(), book, cfg.Default.Debug, timeout)

		connectCtx, cancel := context.WithTimeout(context.Background(), timeout)
		err = client.Connect(connectCtx)
		cancel()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			con.closeInput()
		}()

		runErr := con.run(ctx)

		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := client.Close(closeCtx); err != nil && runErr == nil {
			runErr = err
		}
		return runErr
	},
}

// ============================================================================
// Styles
// ============================================================================

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("247"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	peerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	selfStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	menuStyle   = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1)
)

// ============================================================================
// Console
// ============================================================================

// errInputClosed ends the console when stdin is exhausted or interrupted.
var errInputClosed = errors.New("input closed")

// console is the line-oriented menu driving a client.
type console struct {
	client  *walkietalkie.Client
	book    *walkietalkie.LogBook
	debug   bool
	timeout time.Duration

	lines chan string
	done  chan struct{}
	once  sync.Once
	outMu sync.Mutex
	out   io.Writer
}

func newConsole(client *walkietalkie.Client, in io.Reader, out io.Writer, book *walkietalkie.LogBook, debug bool, timeout time.Duration) *console {
	c := &console{
		client:  client,
		book:    book,
		debug:   debug,
		timeout: timeout,
		lines:   make(chan string),
		done:    make(chan struct{}),
		out:     out,
	}
	go c.readLines(in)
	client.OnAny(c.render)
	return c
}

func (c *console) readLines(in io.Reader) {
	defer close(c.lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case c.lines <- scanner.Text():
		case <-c.done:
			return
		}
	}
}

func (c *console) closeInput() {
	c.once.Do(func() { close(c.done) })
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) println(s string) {
	c.printf("%s\n", s)
}

func (c *console) fail(err error) {
	c.println(errorStyle.Render("error: " + err.Error()))
}

// prompt prints label and waits for one line of input.
func (c *console) prompt(label string) (string, error) {
	c.printf("%s ", label)
	select {
	case line, ok := <-c.lines:
		if !ok {
			return "", errInputClosed
		}
		return strings.TrimSpace(line), nil
	case <-c.done:
		return "", errInputClosed
	}
}

func (c *console) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

// run shows the menu until Exit or end of input.
func (c *console) run(ctx context.Context) error {
	c.println(headerStyle.Render("walkietalkie: connected as " + c.client.Username()))
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.showMenu()
		input, err := c.prompt(">")
		if errors.Is(err, errInputClosed) {
			return nil
		}
		action, err := parseAction(input, c.debug)
		if err != nil {
			c.fail(err)
			continue
		}
		if action == ActionExit {
			return nil
		}
		if err := c.dispatch(action); err != nil {
			if errors.Is(err, errInputClosed) {
				return nil
			}
			c.fail(err)
		}
	}
}

func (c *console) showMenu() {
	var b strings.Builder
	for i, e := range menuEntries(c.debug) {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%2d  %s", int(e.action), e.label)
	}
	c.println(menuStyle.Render(b.String()))
}

func (c *console) dispatch(a Action) error {
	switch a {
	case ActionListUsers:
		return c.listUsers()
	case ActionRequestChat:
		return c.requestChat()
	case ActionSendMessage:
		return c.sendMessage()
	case ActionManageChatRequests:
		return c.manageChatRequests()
	case ActionListGroups:
		return c.listGroups()
	case ActionCreateGroup:
		return c.createGroup()
	case ActionJoinGroup:
		return c.joinGroup()
	case ActionSendGroupMessage:
		return c.sendGroupMessage()
	case ActionManageGroupRequests:
		return c.manageGroupRequests()
	case ActionShowLogs:
		return c.showLogs()
	}
	return fmt.Errorf("unsupported action %s", a)
}

// ============================================================================
// Actions
// ============================================================================

func (c *console) listUsers() error {
	c.println(headerStyle.Render("Users"))
	for _, u := range c.client.Users() {
		status := dimStyle.Render("offline")
		if u.IsOnline {
			status = selfStyle.Render("online")
		}
		name := u.Username
		if name == c.client.Username() {
			name += " (you)"
		}
		c.printf("  %-20s %s\n", name, status)
	}
	return nil
}

func (c *console) requestChat() error {
	to, err := c.prompt("Username:")
	if err != nil {
		return err
	}
	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.client.RequestChat(ctx, to); err != nil {
		return err
	}
	c.println(dimStyle.Render("Request sent to " + to))
	return nil
}

func (c *console) sendMessage() error {
	convs := c.client.Conversations()
	if len(convs) == 0 {
		c.println(dimStyle.Render("No accepted conversations."))
		return nil
	}
	c.println(headerStyle.Render("Conversations"))
	for _, conv := range convs {
		c.printf("  %-20s %s\n", conv.With(c.client.Username()), unreadLabel(len(conv.UnreadMessages)))
	}
	peer, err := c.prompt("Chat with:")
	if err != nil {
		return err
	}

	unread, err := c.client.OpenConversation(peer)
	if err != nil {
		return err
	}
	defer c.client.CloseConversation()

	return c.chatLoop("Chatting with "+peer, unread, func(ctx context.Context, text string) error {
		return c.client.SendMessage(ctx, peer, text)
	})
}

func (c *console) manageChatRequests() error {
	pending := c.client.PendingChatRequests()
	if len(pending) == 0 {
		c.println(dimStyle.Render("No pending chat requests."))
		return nil
	}
	c.println(headerStyle.Render("Chat requests"))
	for _, r := range pending {
		c.printf("  %s\n", r.From)
	}
	from, err := c.prompt("Requester:")
	if err != nil {
		return err
	}
	accept, err := c.decide()
	if err != nil {
		return err
	}

	ctx, cancel := c.opContext()
	defer cancel()
	if accept {
		if err := c.client.AcceptChat(ctx, from); err != nil {
			return err
		}
		c.println(dimStyle.Render("Accepted " + from))
		return nil
	}
	if err := c.client.RejectChat(ctx, from); err != nil {
		return err
	}
	c.println(dimStyle.Render("Rejected " + from))
	return nil
}

func (c *console) listGroups() error {
	groups := c.client.Groups()
	if len(groups) == 0 {
		c.println(dimStyle.Render("No groups."))
		return nil
	}
	self := c.client.Username()
	c.println(headerStyle.Render("Groups"))
	for _, g := range groups {
		role := ""
		switch {
		case g.IsLeader(self):
			role = "leader"
		case g.IsMember(self):
			role = "member"
		}
		c.printf("  %-20s led by %-12s %d members %s\n", g.Name, g.Leader.Username, len(g.Members), dimStyle.Render(role))
	}
	return nil
}

func (c *console) createGroup() error {
	name, err := c.prompt("Group name:")
	if err != nil {
		return err
	}
	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.client.CreateGroup(ctx, name); err != nil {
		return err
	}
	c.println(dimStyle.Render("Created " + name))
	return nil
}

func (c *console) joinGroup() error {
	name, err := c.prompt("Group name:")
	if err != nil {
		return err
	}
	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.client.JoinGroup(ctx, name); err != nil {
		return err
	}
	c.println(dimStyle.Render("Join request sent for " + name))
	return nil
}

func (c *console) sendGroupMessage() error {
	groups := c.client.MyGroups()
	if len(groups) == 0 {
		c.println(dimStyle.Render("You are not part of any group."))
		return nil
	}
	c.println(headerStyle.Render("Your groups"))
	for _, g := range groups {
		c.printf("  %-20s %s\n", g.Name, unreadLabel(len(g.UnreadMessages)))
	}
	name, err := c.prompt("Group:")
	if err != nil {
		return err
	}

	unread, err := c.client.OpenGroup(name)
	if err != nil {
		return err
	}
	defer c.client.CloseGroup()

	return c.chatLoop("Group "+name, unread, func(ctx context.Context, text string) error {
		return c.client.SendGroupMessage(ctx, name, text)
	})
}

func (c *console) manageGroupRequests() error {
	self := c.client.Username()
	var led []walkietalkie.Group
	for _, g := range c.client.MyGroups() {
		if g.IsLeader(self) && len(g.PendingRequests()) > 0 {
			led = append(led, g)
		}
	}
	if len(led) == 0 {
		c.println(dimStyle.Render("No pending group requests."))
		return nil
	}
	c.println(headerStyle.Render("Group requests"))
	for _, g := range led {
		var names []string
		for _, r := range g.PendingRequests() {
			names = append(names, r.Username)
		}
		c.printf("  %-20s %s\n", g.Name, strings.Join(names, ", "))
	}

	name, err := c.prompt("Group:")
	if err != nil {
		return err
	}
	user, err := c.prompt("Requester:")
	if err != nil {
		return err
	}
	accept, err := c.decide()
	if err != nil {
		return err
	}

	ctx, cancel := c.opContext()
	defer cancel()
	if accept {
		if err := c.client.AcceptGroupRequest(ctx, name, user); err != nil {
			return err
		}
		c.println(dimStyle.Render(user + " joined " + name))
		return nil
	}
	if err := c.client.RejectGroupRequest(ctx, name, user); err != nil {
		return err
	}
	c.println(dimStyle.Render("Rejected " + user))
	return nil
}

func (c *console) showLogs() error {
	entries := c.book.Entries()
	if len(entries) == 0 {
		c.println(dimStyle.Render("No events yet."))
		return nil
	}
	for _, e := range entries {
		c.printf("%s %s\n", dimStyle.Render(e.At.Format("15:04:05.000")), e.String())
	}
	return nil
}

// decide asks for accept or reject.
func (c *console) decide() (bool, error) {
	for {
		answer, err := c.prompt("[a]ccept or [r]eject:")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "a", "accept":
			return true, nil
		case "r", "reject":
			return false, nil
		}
	}
}

// chatLoop prints the buffered messages, then sends every line until /back.
func (c *console) chatLoop(title string, unread []walkietalkie.Message, send func(context.Context, string) error) error {
	c.println(headerStyle.Render(title) + dimStyle.Render("  (/back to leave)"))
	for _, m := range unread {
		c.printMessage(m)
	}
	for {
		line, err := c.prompt("")
		if err != nil {
			return err
		}
		if line == "/back" {
			return nil
		}
		if line == "" {
			continue
		}
		ctx, cancel := c.opContext()
		err = send(ctx, line)
		cancel()
		if err != nil {
			c.fail(err)
		}
	}
}

// ============================================================================
// Rendering
// ============================================================================

func (c *console) printMessage(m walkietalkie.Message) {
	name := peerStyle.Render(m.From)
	if m.From == c.client.Username() {
		name = selfStyle.Render(m.From)
	}
	c.printf("%s %s: %s\n", dimStyle.Render(m.SendedAt.Format("15:04")), name, m.Content)
}

// render reacts to client events: messages of the open view are printed,
// everything worth knowing about is announced.
func (c *console) render(e walkietalkie.Event) {
	str := func(k string) string {
		s, _ := e.Fields[k].(string)
		return s
	}

	switch e.Name {
	case walkietalkie.EventChatMessage, walkietalkie.EventGroupMessage:
		if m, ok := e.Fields["message"].(walkietalkie.Message); ok {
			c.printMessage(m)
		}
	case walkietalkie.EventChatUnread:
		c.println(noticeStyle.Render(fmt.Sprintf("* new message from %s (%v unread)", str("from"), e.Fields["unread"])))
	case walkietalkie.EventGroupUnread:
		c.println(noticeStyle.Render(fmt.Sprintf("* new message in %s from %s (%v unread)", str("group"), str("from"), e.Fields["unread"])))
	case walkietalkie.EventChatRequestReceived:
		c.println(noticeStyle.Render(fmt.Sprintf("* %s wants to chat (menu %d)", str("from"), ActionManageChatRequests)))
	case walkietalkie.EventChatAccepted:
		c.println(noticeStyle.Render("* conversation with " + str("with") + " is open"))
	case walkietalkie.EventChatRejected:
		if str("by") != c.client.Username() {
			c.println(noticeStyle.Render("* " + str("by") + " declined your chat request"))
		}
	case walkietalkie.EventGroupRequestReceived:
		c.println(noticeStyle.Render(fmt.Sprintf("* %s wants to join %s (menu %d)", str("username"), str("group"), ActionManageGroupRequests)))
	case walkietalkie.EventGroupJoined:
		c.println(noticeStyle.Render("* you are now a member of " + str("group")))
	}
}

func unreadLabel(n int) string {
	if n == 0 {
		return ""
	}
	return noticeStyle.Render(fmt.Sprintf("%d unread", n))
}
