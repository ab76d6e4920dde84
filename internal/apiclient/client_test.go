package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestServer(t *testing.T, setup func(r *gin.Engine)) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	setup(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Do_DecodesAndSendsHeaders(t *testing.T) {
	srv := newTestServer(t, func(r *gin.Engine) {
		r.POST("/api/echo", func(c *gin.Context) {
			var in struct{ Name string }
			_ = c.ShouldBindJSON(&in)
			c.JSON(http.StatusOK, gin.H{
				"name":       in.Name,
				"auth":       c.GetHeader("Authorization"),
				"request_id": c.GetHeader("X-Request-ID"),
			})
		})
	})
	cl, err := New(Config{BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var out struct {
		Name      string `json:"name"`
		Auth      string `json:"auth"`
		RequestID string `json:"request_id"`
	}
	err = cl.Do(context.Background(), Request{Method: http.MethodPost, Path: "/api/echo", Token: "tok", Body: map[string]string{"Name": "amina"}}, &out)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if out.Name != "amina" {
		t.Errorf("Do() name = %q, want amina", out.Name)
	}
	if out.Auth != "Bearer tok" {
		t.Errorf("Do() Authorization = %q, want Bearer tok", out.Auth)
	}
	if out.RequestID == "" {
		t.Error("Do() did not send X-Request-ID")
	}
}

func TestClient_Do_APIError(t *testing.T) {
	srv := newTestServer(t, func(r *gin.Engine) {
		r.POST("/api/auth/login", func(c *gin.Context) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		})
		r.GET("/api/boom", func(c *gin.Context) { c.String(http.StatusBadGateway, "<html>") })
		r.GET("/api/bad", func(c *gin.Context) { c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"}) })
		r.GET("/api/bare", func(c *gin.Context) { c.JSON(http.StatusForbidden, gin.H{}) })
	})
	cl, _ := New(Config{BaseURL: srv.URL})

	err := cl.Do(context.Background(), Request{Method: http.MethodPost, Path: PathLogin}, nil)
	if !IsUnauthorized(err) {
		t.Fatalf("Do() error = %v, want 401", err)
	}
	if got := UserMessage(err, "Login failed"); got != "Invalid credentials" {
		t.Errorf("UserMessage() = %q, want Invalid credentials", got)
	}

	err = cl.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/boom"}, nil)
	if !IsServer(err) {
		t.Fatalf("Do() error = %v, want 5xx", err)
	}
	if got := UserMessage(err, "x"); got != GenericServerMessage {
		t.Errorf("UserMessage() = %q, want generic server message", got)
	}

	err = cl.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/bad"}, nil)
	if !IsValidation(err) {
		t.Fatalf("Do() error = %v, want validation", err)
	}
	if got := UserMessage(err, "x"); got != "content is required" {
		t.Errorf("UserMessage() = %q, want content is required", got)
	}

	err = cl.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/bare"}, nil)
	if got := UserMessage(err, "Login failed"); got != "Login failed" {
		t.Errorf("UserMessage() without error field = %q, want fallback", got)
	}
	if !strings.Contains(err.Error(), "403: Forbidden") {
		t.Errorf("Error() = %q, want status text", err.Error())
	}
}

func TestClient_Do_Timeout(t *testing.T) {
	srv := newTestServer(t, func(r *gin.Engine) {
		r.GET("/api/slow", func(c *gin.Context) {
			select {
			case <-time.After(time.Second):
			case <-c.Request.Context().Done():
			}
			c.Status(http.StatusOK)
		})
	})
	cl, _ := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})

	err := cl.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/slow"}, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Do() error = %v, want ErrTimeout", err)
	}
	if IsUnauthorized(err) {
		t.Error("timeout must not be treated as an auth failure")
	}
}

type fakeCreds struct {
	mu       sync.Mutex
	token    string
	next     string
	ok       bool
	refreshN int32
}

func (f *fakeCreds) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeCreds) Refresh(context.Context) bool {
	atomic.AddInt32(&f.refreshN, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ok {
		f.token = f.next
	}
	return f.ok
}

func TestAuthed_RetriesOnceAfterRefresh(t *testing.T) {
	var calls int32
	srv := newTestServer(t, func(r *gin.Engine) {
		r.GET("/api/auth/profile", func(c *gin.Context) {
			atomic.AddInt32(&calls, 1)
			if c.GetHeader("Authorization") != "Bearer fresh" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"id": "1"})
		})
	})
	raw, _ := New(Config{BaseURL: srv.URL})
	creds := &fakeCreds{token: "stale", next: "fresh", ok: true}
	a := NewAuthed(raw, creds)

	var out struct{ ID string }
	if err := a.Do(context.Background(), http.MethodGet, PathProfile, nil, &out); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if out.ID != "1" {
		t.Errorf("Do() id = %q, want 1", out.ID)
	}
	if n := atomic.LoadInt32(&creds.refreshN); n != 1 {
		t.Errorf("Refresh() called %d times, want 1", n)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("server called %d times, want 2", n)
	}
}

func TestAuthed_RefreshFailureReturnsOriginal401(t *testing.T) {
	var calls int32
	srv := newTestServer(t, func(r *gin.Engine) {
		r.GET("/api/chat/conversations", func(c *gin.Context) {
			atomic.AddInt32(&calls, 1)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
		})
	})
	raw, _ := New(Config{BaseURL: srv.URL})
	creds := &fakeCreds{token: "stale", ok: false}
	a := NewAuthed(raw, creds)

	err := a.Do(context.Background(), http.MethodGet, PathConversations, nil, nil)
	if !IsUnauthorized(err) {
		t.Fatalf("Do() error = %v, want 401", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("server called %d times, want 1 (no retry without refresh)", n)
	}
}

func TestAuthed_SecondUnauthorizedIsNotRetried(t *testing.T) {
	var calls int32
	srv := newTestServer(t, func(r *gin.Engine) {
		r.GET("/api/chat/conversations", func(c *gin.Context) {
			atomic.AddInt32(&calls, 1)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "nope"})
		})
	})
	raw, _ := New(Config{BaseURL: srv.URL})
	creds := &fakeCreds{token: "a", next: "b", ok: true}
	a := NewAuthed(raw, creds)

	if err := a.Do(context.Background(), http.MethodGet, PathConversations, nil, nil); !IsUnauthorized(err) {
		t.Fatalf("Do() error = %v, want 401", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("server called %d times, want 2", n)
	}
	if n := atomic.LoadInt32(&creds.refreshN); n != 1 {
		t.Errorf("Refresh() called %d times, want 1", n)
	}
}

func TestPaths(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{RequestReadPath("abc"), "/api/admin/requests/abc/read"},
		{MessagesPath("42"), "/api/chat/messages/42"},
		{MessageReadPath("m/1"), "/api/chat/messages/m%2F1/read"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("path = %q, want %q", tt.got, tt.want)
		}
	}
}
