package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Mohamedrebhi/videmaison/internal/config"
	"github.com/Mohamedrebhi/videmaison/internal/protocol"
	"github.com/Mohamedrebhi/videmaison/internal/testutil/fakeapi"

	"github.com/spf13/pflag"
)

var (
	admin    = protocol.User{ID: "1", Email: "admin@videmaison.be", Role: protocol.RoleAdmin, FirstName: "Ada"}
	customer = protocol.User{ID: "2", Email: "claire@example.com", Role: protocol.RoleCustomer, FirstName: "Claire"}
)

func newBackend(t *testing.T) *fakeapi.Server {
	t.Helper()
	t.Setenv("TOKEN_STORE_PATH", filepath.Join(t.TempDir(), "tokens.db"))
	t.Setenv("VIDEMAISON_PASSWORD", "")
	srv := fakeapi.New(t)
	srv.AddUser(admin, "secret1")
	srv.AddUser(customer, "secret2")
	return srv
}

func runConsole(t *testing.T, srv *fakeapi.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{"--api", srv.URL, "--store", "sqlite", "--env", "prod"}, args...)
	err := run(full, &out)
	return out.String(), err
}

func TestLookup(t *testing.T) {
	for _, c := range commands {
		got, ok := lookup(c.name)
		if !ok || got.name != c.name {
			t.Errorf("lookup(%q) = %q, %v", c.name, got.name, ok)
		}
	}
	if _, ok := lookup("shutdown"); ok {
		t.Error("lookup() found an unknown command")
	}
}

func TestCheckArgs(t *testing.T) {
	tests := []struct {
		cmd     string
		args    []string
		wantErr bool
	}{
		{"login", nil, false},
		{"login", []string{"extra"}, true},
		{"read", nil, true},
		{"read", []string{"7"}, false},
		{"read", []string{"7", "8"}, true},
		{"send", []string{"1"}, true},
		{"send", []string{"1", "hello"}, false},
		{"send", []string{"1", "hello", "there", "friend"}, false},
	}
	for _, tt := range tests {
		c, ok := lookup(tt.cmd)
		if !ok {
			t.Fatalf("lookup(%q) failed", tt.cmd)
		}
		if err := c.checkArgs(tt.args); (err != nil) != tt.wantErr {
			t.Errorf("%s.checkArgs(%q) error = %v, wantErr %v", tt.cmd, tt.args, err, tt.wantErr)
		}
	}
}

func TestClientConfig(t *testing.T) {
	base := config.ClientConfig{APIBaseURL: "http://env", WSURL: "ws://env/ws", TokenStore: "sqlite"}

	got := clientConfig(base, options{})
	if got != base {
		t.Errorf("clientConfig() without flags = %+v, want %+v", got, base)
	}

	got = clientConfig(base, options{apiURL: "https://api.videmaison.be", store: "memory"})
	if got.APIBaseURL != "https://api.videmaison.be" || got.WSURL != "wss://api.videmaison.be/ws" {
		t.Errorf("clientConfig() urls = %q, %q", got.APIBaseURL, got.WSURL)
	}
	if got.TokenStore != "memory" {
		t.Errorf("clientConfig() TokenStore = %q, want memory", got.TokenStore)
	}
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing command", nil, "missing command"},
		{"unknown command", []string{"dance"}, `unknown command "dance"`},
		{"bad arity", []string{"history"}, "usage: console history <peerId>"},
		{"unknown flag", []string{"--nope", "login"}, "unknown flag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(tt.args, &out)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%q) error = %v, want containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"--help"}, &out); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("run(--help) error = %v, want ErrHelp", err)
	}
	for _, want := range []string{"usage: console", "conversations", "--api"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("help output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRun_RequiresLogin(t *testing.T) {
	srv := newBackend(t)
	if _, err := runConsole(t, srv, "unread"); !errors.Is(err, errNotLoggedIn) {
		t.Fatalf("unread error = %v, want errNotLoggedIn", err)
	}
	out, err := runConsole(t, srv, "whoami")
	if err != nil {
		t.Fatalf("whoami error = %v", err)
	}
	if !strings.HasPrefix(out, "Not logged in") {
		t.Errorf("whoami = %q", out)
	}
}

func TestRun_LoginWithoutPassword(t *testing.T) {
	srv := newBackend(t)
	if _, err := runConsole(t, srv, "-e", admin.Email, "login"); err == nil {
		t.Fatal("login without password succeeded")
	}
	if _, err := runConsole(t, srv, "-e", admin.Email, "-p", "wrong", "login"); err == nil {
		t.Fatal("login with a wrong password succeeded")
	}
}

func TestRun_AdminSession(t *testing.T) {
	srv := newBackend(t)
	srv.SetUnread(3)

	out, err := runConsole(t, srv, "-e", admin.Email, "-p", "secret1", "login")
	if err != nil {
		t.Fatalf("login error = %v", err)
	}
	if !strings.Contains(out, "Logged in as admin@videmaison.be (admin)") {
		t.Errorf("login output = %q", out)
	}

	// 令牌保存在 sqlite 文件中，后续调用会恢复会话。
	out, err = runConsole(t, srv, "whoami")
	if err != nil {
		t.Fatalf("whoami error = %v", err)
	}
	if !strings.Contains(out, "admin@videmaison.be (admin) id=1") {
		t.Errorf("whoami output = %q", out)
	}

	out, err = runConsole(t, srv, "unread")
	if err != nil {
		t.Fatalf("unread error = %v", err)
	}
	if !strings.Contains(out, "3 unread service request(s)") {
		t.Errorf("unread output = %q", out)
	}

	out, err = runConsole(t, srv, "read", "42")
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if !strings.Contains(out, "Request 42 marked as read, 2 unread") {
		t.Errorf("read output = %q", out)
	}
	if got := srv.ReadRequests(); len(got) != 1 || got[0] != "42" {
		t.Errorf("server read requests = %q, want [42]", got)
	}

	if _, err := runConsole(t, srv, "logout"); err != nil {
		t.Fatalf("logout error = %v", err)
	}
	if _, err := runConsole(t, srv, "unread"); !errors.Is(err, errNotLoggedIn) {
		t.Errorf("unread after logout error = %v, want errNotLoggedIn", err)
	}
}

func TestRun_CustomerChat(t *testing.T) {
	srv := newBackend(t)
	srv.SetConversations(customer.ID, []protocol.Conversation{
		{PeerID: admin.ID, DisplayName: "Ada", LastMessage: "Bonjour", UnreadCount: 1},
	})

	if _, err := runConsole(t, srv, "-e", customer.Email, "-p", "secret2", "login"); err != nil {
		t.Fatalf("login error = %v", err)
	}
	if _, err := runConsole(t, srv, "unread"); !errors.Is(err, errAdminOnly) {
		t.Errorf("customer unread error = %v, want errAdminOnly", err)
	}

	out, err := runConsole(t, srv, "conversations")
	if err != nil {
		t.Fatalf("conversations error = %v", err)
	}
	if !strings.Contains(out, "PEER") || !strings.Contains(out, "Bonjour") {
		t.Errorf("conversations output = %q", out)
	}

	out, err = runConsole(t, srv, "send", admin.ID, "when", "can", "you", "come?")
	if err != nil {
		t.Fatalf("send error = %v", err)
	}
	if !strings.Contains(out, "to 1") {
		t.Errorf("send output = %q", out)
	}

	out, err = runConsole(t, srv, "history", admin.ID)
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	if !strings.Contains(out, "me: when can you come?") {
		t.Errorf("history output = %q", out)
	}
}

func TestRun_Register(t *testing.T) {
	srv := newBackend(t)
	out, err := runConsole(t, srv, "-e", "new@example.com", "-p", "secret3", "register")
	if err != nil {
		t.Fatalf("register error = %v", err)
	}
	if !strings.Contains(out, "Registered new@example.com") {
		t.Errorf("register output = %q", out)
	}
	if _, err := runConsole(t, srv, "-e", "new@example.com", "-p", "secret3", "register"); err == nil {
		t.Error("duplicate register succeeded")
	}
}
