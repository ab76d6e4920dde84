package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/Mohamedrebhi/videmaison/internal/alert"
	"github.com/Mohamedrebhi/videmaison/internal/client"
	"github.com/Mohamedrebhi/videmaison/internal/config"
	clog "github.com/Mohamedrebhi/videmaison/internal/log"
	"github.com/Mohamedrebhi/videmaison/internal/protocol"
	"github.com/Mohamedrebhi/videmaison/internal/realtime"
	"github.com/Mohamedrebhi/videmaison/internal/session"
)

var (
	errNotLoggedIn = errors.New("not logged in, run: console login -e <email>")
	errAdminOnly   = errors.New("this command requires an administrator account")
)

type command struct {
	name     string
	usage    string
	help     string
	minArgs  int
	maxArgs  int // -1 表示不限
	needAuth bool
	run      func(ctx context.Context, e *env, args []string) error
}

var commands = []command{
	{"login", "", "log in and remember the session", 0, 0, false, cmdLogin},
	{"logout", "", "forget the stored session", 0, 0, false, cmdLogout},
	{"register", "", "create a customer account", 0, 0, false, cmdRegister},
	{"whoami", "", "show the restored session", 0, 0, false, cmdWhoami},
	{"unread", "", "show the unread service request count (admin)", 0, 0, true, cmdUnread},
	{"read", "<requestId>", "mark a service request as read (admin)", 1, 1, true, cmdRead},
	{"conversations", "", "list chat conversations", 0, 0, true, cmdConversations},
	{"history", "<peerId>", "show the messages exchanged with a peer", 1, 1, true, cmdHistory},
	{"send", "<peerId> <message...>", "send a chat message", 2, -1, true, cmdSend},
	{"watch", "", "stream notifications and chat activity until interrupted", 0, 0, true, cmdWatch},
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func commandHelp() string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s %s\t%s\n", c.name, c.usage, c.help)
	}
	_ = tw.Flush()
	return b.String()
}

func (c command) checkArgs(args []string) error {
	if len(args) < c.minArgs || (c.maxArgs >= 0 && len(args) > c.maxArgs) {
		if c.usage == "" {
			return errors.New("takes no arguments")
		}
		return fmt.Errorf("usage: console %s %s", c.name, c.usage)
	}
	return nil
}

// syncWriter 串行化来自观察者协程的输出。
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type env struct {
	app  *client.App
	out  io.Writer
	opts options
}

func (e *env) printf(format string, args ...any) { fmt.Fprintf(e.out, format, args...) }

func execute(ctx context.Context, cfg config.ClientConfig, opts options, cmd command, args []string, stdout io.Writer) error {
	out := &syncWriter{w: stdout}
	sinks := []alert.Sink{alert.SinkFunc(func(_ context.Context, a alert.Alert) error {
		_, err := fmt.Fprintf(out, "* %s: %s\n", a.Title, a.Body)
		return err
	})}
	if opts.bell {
		sinks = append(sinks, alert.NewBell(out))
	}
	sinks = append(sinks, alert.Desktop{Permitted: opts.desktop, Logger: clog.Component("desktop")})
	dispatcher := alert.NewDispatcher(sinks...)

	app, err := client.New(ctx, cfg, client.Deps{Alerter: dispatcher})
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Stop(); err != nil {
			l := clog.Component("console")
			l.Warn().Err(err).Msg("stop client")
		}
		dispatcher.Wait()
	}()

	status := app.Start(ctx)
	if cmd.needAuth && status != session.Authenticated {
		return errNotLoggedIn
	}
	return cmd.run(ctx, &env{app: app, out: out, opts: opts}, args)
}

func cmdLogin(ctx context.Context, e *env, _ []string) error {
	if e.opts.email == "" || e.opts.password == "" {
		return errors.New("login: --email and --password (or $VIDEMAISON_PASSWORD) are required")
	}
	res := e.app.Session.Login(ctx, e.opts.email, e.opts.password)
	if !res.OK {
		return errors.New(res.Error)
	}
	e.printf("Logged in as %s (%s)\n", res.User.Email, res.User.Role)
	return nil
}

func cmdLogout(_ context.Context, e *env, _ []string) error {
	e.app.Session.Logout()
	e.printf("Logged out\n")
	return nil
}

func cmdRegister(ctx context.Context, e *env, _ []string) error {
	if e.opts.email == "" || e.opts.password == "" {
		return errors.New("register: --email and --password are required")
	}
	res := e.app.Session.Register(ctx, protocol.RegisterRequest{Email: e.opts.email, Password: e.opts.password})
	if !res.OK {
		return errors.New(res.Error)
	}
	e.printf("Registered %s, you can now log in\n", res.User.Email)
	return nil
}

func cmdWhoami(_ context.Context, e *env, _ []string) error {
	if e.app.Session.Status() != session.Authenticated {
		e.printf("Not logged in (%s)\n", e.app.Session.Status())
		return nil
	}
	u := e.app.Session.User()
	e.printf("%s (%s) id=%s\n", u.Email, u.Role, u.ID)
	return nil
}

func requireAdmin(e *env) error {
	if !e.app.Session.User().IsAdmin() {
		return errAdminOnly
	}
	return nil
}

func cmdUnread(ctx context.Context, e *env, _ []string) error {
	if err := requireAdmin(e); err != nil {
		return err
	}
	if err := e.app.Notifications.FetchUnreadCount(ctx); err != nil {
		return err
	}
	e.printf("%d unread service request(s)\n", e.app.Notifications.UnreadCount())
	return nil
}

func cmdRead(ctx context.Context, e *env, args []string) error {
	if err := requireAdmin(e); err != nil {
		return err
	}
	if err := e.app.Notifications.MarkAsRead(ctx, args[0]); err != nil {
		return err
	}
	e.printf("Request %s marked as read, %d unread\n", args[0], e.app.Notifications.UnreadCount())
	return nil
}

func cmdConversations(ctx context.Context, e *env, _ []string) error {
	if err := e.app.Chat.LoadConversations(ctx); err != nil {
		return err
	}
	convs := e.app.Chat.Conversations()
	if len(convs) == 0 {
		e.printf("No conversations\n")
		return nil
	}
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tNAME\tUNREAD\tLAST")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.PeerID, c.DisplayName, c.UnreadCount, c.LastMessage)
	}
	return tw.Flush()
}

func cmdHistory(ctx context.Context, e *env, args []string) error {
	if err := e.app.Chat.LoadMessages(ctx, args[0]); err != nil {
		return err
	}
	me := e.app.Session.User().ID
	for _, m := range e.app.Chat.Messages() {
		who := m.SenderID
		if who == me {
			who = "me"
		}
		e.printf("%s  %s: %s\n", m.CreatedAt.Local().Format(time.DateTime), who, m.Content)
	}
	return nil
}

func cmdSend(ctx context.Context, e *env, args []string) error {
	msg, err := e.app.Chat.SendMessage(ctx, args[0], strings.Join(args[1:], " "), "")
	if err != nil {
		return err
	}
	e.printf("Sent message %s to %s\n", msg.ID, args[0])
	return nil
}

func cmdWatch(ctx context.Context, e *env, _ []string) error {
	app := e.app
	if err := app.Chat.LoadConversations(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var mu sync.Mutex
	var lastNotification uint64
	seen := make(map[string]time.Time)
	for _, c := range app.Chat.Conversations() {
		seen[c.PeerID] = c.LastMessageAt
	}

	unsubState := app.Channel.OnState(func(s realtime.State) {
		e.printf("realtime: %s\n", s)
	})
	defer unsubState()
	unsubNotify := app.Notifications.OnChange(func() {
		mu.Lock()
		defer mu.Unlock()
		list := app.Notifications.Notifications()
		for i := len(list) - 1; i >= 0; i-- {
			if n := list[i]; n.ID > lastNotification {
				lastNotification = n.ID
				e.printf("[%s] %s\n", n.Type, n.Message)
			}
		}
	})
	defer unsubNotify()
	unsubChat := app.Chat.OnChange(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range app.Chat.Conversations() {
			if c.LastMessageAt.After(seen[c.PeerID]) {
				seen[c.PeerID] = c.LastMessageAt
				e.printf("<%s> %s (%d unread)\n", c.DisplayName, c.LastMessage, c.UnreadCount)
			}
		}
	})
	defer unsubChat()
	unsubSession := app.Session.Subscribe(func(s session.Snapshot) {
		if s.Status != session.Authenticated {
			cancel(fmt.Errorf("session ended: %s", s.Status))
		}
	})
	defer unsubSession()

	e.printf("Watching as %s, press Ctrl-C to stop\n", app.Session.User().Email)
	<-ctx.Done()
	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
