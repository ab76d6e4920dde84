package client

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Mohamedrebhi/videmaison/internal/config"
	"github.com/Mohamedrebhi/videmaison/internal/protocol"
	"github.com/Mohamedrebhi/videmaison/internal/realtime"
	"github.com/Mohamedrebhi/videmaison/internal/session"
	"github.com/Mohamedrebhi/videmaison/internal/testutil/fakeapi"
	"github.com/Mohamedrebhi/videmaison/internal/tokenstore"
)

const wait = 3 * time.Second

var (
	admin    = protocol.User{ID: "admin-1", Email: "admin@videmaison.test", Role: protocol.RoleAdmin}
	customer = protocol.User{ID: "cust-7", Email: "jo@videmaison.test", Role: protocol.RoleCustomer}
)

type alerts struct {
	mu sync.Mutex
	n  int
}

func (a *alerts) Fire(string, string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return ""
}

func newServer(t *testing.T) *fakeapi.Server {
	fa := fakeapi.New(t)
	fa.AddUser(admin, "secret")
	fa.AddUser(customer, "secret")
	return fa
}

func newApp(t *testing.T, fa *fakeapi.Server, store tokenstore.Store) *App {
	t.Helper()
	cfg := config.ClientConfig{
		APIBaseURL:        fa.URL,
		WSURL:             fa.WSURL(),
		HTTPTimeout:       2 * time.Second,
		TokenStore:        "memory",
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
	}
	a, err := New(context.Background(), cfg, Deps{Store: store, Alerter: &alerts{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Stop() })
	return a
}

func login(t *testing.T, a *App, u protocol.User) {
	t.Helper()
	if res := a.Session.Login(context.Background(), u.Email, "secret"); !res.OK {
		t.Fatalf("Login(%s) = %+v", u.Email, res)
	}
}

func TestApp_DefaultAlerterRingsAndShowsBanner(t *testing.T) {
	fa := newServer(t)
	var sound bytes.Buffer
	cfg := config.ClientConfig{APIBaseURL: fa.URL, WSURL: fa.WSURL(), TokenStore: "memory"}
	a, err := New(context.Background(), cfg, Deps{Store: tokenstore.NewMemory(), Sound: &sound})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Stop() })

	id := a.alerts.Fire("New service request", "Claire")
	a.alerts.Wait()
	if sound.String() != "\a" {
		t.Errorf("sound output = %q, want bell", sound.String())
	}
	if got, ok := a.Banner.Current(); !ok || got.ID != id {
		t.Errorf("Banner.Current() = %+v, %v, want alert %s", got, ok, id)
	}
}

func TestApp_NoChannelBeforeAuthentication(t *testing.T) {
	fa := newServer(t)
	a := newApp(t, fa, tokenstore.NewMemory())
	if got := a.Start(context.Background()); got != session.Unauthenticated {
		t.Fatalf("Start() = %v, want %v", got, session.Unauthenticated)
	}
	time.Sleep(30 * time.Millisecond)
	if a.Channel.State() != realtime.Closed || fa.Calls("GET /ws") != 0 {
		t.Errorf("channel state = %v handshakes = %d, want closed and none", a.Channel.State(), fa.Calls("GET /ws"))
	}
}

func TestApp_LoginOpensChannelJoinsAndFetchesUnread(t *testing.T) {
	fa := newServer(t)
	fa.SetUnread(4)
	store := tokenstore.NewMemory()
	a := newApp(t, fa, store)
	a.Start(context.Background())

	login(t, a, admin)
	fakeapi.WaitFor(t, wait, "channel open", func() bool { return a.Channel.State() == realtime.Open })
	fakeapi.WaitFor(t, wait, "joins", func() bool { return len(fa.Joins()) == 2 })
	joins := fa.Joins()
	if joins[0].Room != admin.ID || joins[1].Room != protocol.AdminRoom {
		t.Errorf("joins = %+v, want own room then admin", joins)
	}
	fakeapi.WaitFor(t, wait, "unread count", func() bool { return a.Notifications.UnreadCount() == 4 })
	if tok, _ := store.Get(context.Background(), tokenstore.KeyAccessToken); tok == "" {
		t.Error("access token not persisted")
	}

	fa.Push(protocol.AdminRoom, protocol.EventNewRequest, protocol.NewRequest{ID: "r1", Name: "Ana", ServiceType: "clearance"})
	fakeapi.WaitFor(t, wait, "notification", func() bool { return len(a.Notifications.Notifications()) == 1 })
	if a.Notifications.UnreadCount() != 5 {
		t.Errorf("UnreadCount() = %d, want 5", a.Notifications.UnreadCount())
	}
}

func TestApp_LogoutTearsDownWithinTheCall(t *testing.T) {
	fa := newServer(t)
	a := newApp(t, fa, tokenstore.NewMemory())
	a.Start(context.Background())
	login(t, a, admin)
	fakeapi.WaitFor(t, wait, "joins", func() bool { return len(fa.Joins()) == 2 })

	a.Session.Logout()
	if a.Channel.State() != realtime.Closed {
		t.Errorf("channel state = %v right after Logout(), want closed", a.Channel.State())
	}
	if n := a.Channel.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
	if (a.User() != protocol.User{}) {
		t.Errorf("User() = %+v, want empty", a.User())
	}

	fa.Push(protocol.AdminRoom, protocol.EventNewRequest, protocol.NewRequest{ID: "late"})
	fa.Push(admin.ID, protocol.EventNewMessage, protocol.Message{ID: "late", SenderID: customer.ID, ReceiverID: admin.ID})
	time.Sleep(30 * time.Millisecond)
	if len(a.Notifications.Notifications()) != 0 || len(a.Chat.Conversations()) != 0 {
		t.Error("events after Logout() mutated state")
	}
}

func TestApp_RestoreOpensChannel(t *testing.T) {
	fa := newServer(t)
	store := tokenstore.NewMemory()
	access, refresh := fa.Issue(customer.ID)
	_ = store.Set(context.Background(), tokenstore.KeyAccessToken, access)
	_ = store.Set(context.Background(), tokenstore.KeyRefreshToken, refresh)

	a := newApp(t, fa, store)
	if got := a.Start(context.Background()); got != session.Authenticated {
		t.Fatalf("Start() = %v, want %v", got, session.Authenticated)
	}
	fakeapi.WaitFor(t, wait, "customer join", func() bool { return len(fa.Joins()) == 1 })
	if j := fa.Joins()[0]; j.Room != customer.ID {
		t.Errorf("join room = %q, want %q", j.Room, customer.ID)
	}
	if fa.Calls("GET /api/admin/requests/unread-count") != 0 {
		t.Error("customer session fetched admin unread count")
	}
}

func TestApp_UserSwitchReopensChannel(t *testing.T) {
	fa := newServer(t)
	a := newApp(t, fa, tokenstore.NewMemory())
	a.Start(context.Background())
	login(t, a, admin)
	fakeapi.WaitFor(t, wait, "admin joins", func() bool { return len(fa.Joins()) == 2 })
	fa.Push(protocol.AdminRoom, protocol.EventNewRequest, protocol.NewRequest{ID: "r1"})
	fakeapi.WaitFor(t, wait, "notification", func() bool { return len(a.Notifications.Notifications()) == 1 })

	login(t, a, customer)
	if len(a.Notifications.Notifications()) != 0 {
		t.Error("notifications survived user switch")
	}
	fakeapi.WaitFor(t, wait, "customer join", func() bool { return len(fa.Joins()) == 3 })
	if j := fa.Joins()[2]; j.UserID != customer.ID || j.Room != customer.ID {
		t.Errorf("third join = %+v, want customer room", j)
	}
	fakeapi.WaitFor(t, wait, "old connection dropped", func() bool { return fa.Connections() == 1 })
	if a.User().ID != customer.ID {
		t.Errorf("User().ID = %q, want %q", a.User().ID, customer.ID)
	}
}

func TestApp_ExpiredAccessTokenIsRefreshedTransparently(t *testing.T) {
	fa := newServer(t)
	a := newApp(t, fa, tokenstore.NewMemory())
	a.Start(context.Background())
	login(t, a, admin)
	fakeapi.WaitFor(t, wait, "channel open", func() bool { return a.Channel.State() == realtime.Open })
	a.bg.Wait()
	fa.SetConversations(admin.ID, []protocol.Conversation{{PeerID: customer.ID, DisplayName: "Jo", LastMessageAt: time.Now()}})
	fa.ExpireAccess()
	before := fa.Calls("POST /api/auth/refresh")

	if err := a.Chat.LoadConversations(context.Background()); err != nil {
		t.Fatalf("LoadConversations() error = %v", err)
	}
	if got := fa.Calls("POST /api/auth/refresh") - before; got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if c := a.Chat.Conversations(); len(c) != 1 || c[0].DisplayName != "Jo" {
		t.Errorf("Conversations() = %+v", c)
	}
	if a.Session.Status() != session.Authenticated {
		t.Errorf("Status() = %v, want %v", a.Session.Status(), session.Authenticated)
	}
}

func TestApp_RefreshFailureLogsOutAndClosesChannel(t *testing.T) {
	fa := newServer(t)
	a := newApp(t, fa, tokenstore.NewMemory())
	a.Start(context.Background())
	login(t, a, admin)
	fakeapi.WaitFor(t, wait, "channel open", func() bool { return a.Channel.State() == realtime.Open })
	a.bg.Wait()
	fa.ExpireAccess()
	fa.RevokeRefresh()

	if err := a.Chat.LoadConversations(context.Background()); err == nil {
		t.Fatal("LoadConversations() error = nil, want 401")
	}
	if a.Session.Status() != session.RefreshFailed {
		t.Errorf("Status() = %v, want %v", a.Session.Status(), session.RefreshFailed)
	}
	if a.Channel.State() != realtime.Closed {
		t.Errorf("channel state = %v, want closed", a.Channel.State())
	}
}

func TestApp_ChatBetweenTwoSessions(t *testing.T) {
	fa := newServer(t)
	adminApp := newApp(t, fa, tokenstore.NewMemory())
	custApp := newApp(t, fa, tokenstore.NewMemory())
	adminApp.Start(context.Background())
	custApp.Start(context.Background())
	login(t, adminApp, admin)
	login(t, custApp, customer)
	fakeapi.WaitFor(t, wait, "three joins", func() bool { return len(fa.Joins()) == 3 })
	adminApp.bg.Wait()
	custApp.bg.Wait()

	if err := custApp.Chat.LoadMessages(context.Background(), admin.ID); err != nil {
		t.Fatalf("LoadMessages() error = %v", err)
	}
	sent, err := adminApp.Chat.SendMessage(context.Background(), customer.ID, "We can come on Monday", "")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	fakeapi.WaitFor(t, wait, "customer receives", func() bool { return len(custApp.Chat.Messages()) == 1 })
	if got := custApp.Chat.Messages()[0]; got.ID != sent.ID {
		t.Errorf("customer message = %+v, want %s", got, sent.ID)
	}
	fakeapi.WaitFor(t, wait, "mark read", func() bool { return len(fa.MessageReads()) == 1 })
	if c := custApp.Chat.Conversations(); len(c) != 1 || c[0].UnreadCount != 0 || c[0].DisplayName != "New conversation" {
		t.Errorf("customer conversations = %+v", c)
	}
	fakeapi.WaitFor(t, wait, "admin echo upsert", func() bool { return len(adminApp.Chat.Conversations()) == 1 })
	if c := adminApp.Chat.Conversations(); c[0].PeerID != customer.ID || c[0].UnreadCount != 0 {
		t.Errorf("admin conversations = %+v", c)
	}
}
