// Package fakeapi 提供内存实现的后端，供客户端核心的测试使用。
package fakeapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mohamedrebhi/videmaison/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Join 记录一次被接受的 join。
type Join struct {
	UserID string
	Room   string
}

type account struct {
	user     protocol.User
	password string
}

type conn struct {
	ws     *websocket.Conn
	userID string
	wmu    sync.Mutex
	rooms  map[string]bool
}

func (c *conn) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

type Server struct {
	URL string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	seq           int
	accounts      map[string]account
	users         map[string]protocol.User
	access        map[string]string
	refresh       map[string]string
	calls         map[string]int
	failures      map[string]int
	unread        int
	readRequests  []string
	readSet       map[string]bool
	conversations map[string][]protocol.Conversation
	history       map[string][]protocol.Message
	messageReads  []string
	messagesDelay map[string]time.Duration
	refreshDelay  time.Duration
	rejectWS      bool
	conns         map[*conn]bool
	joins         []Join
}

// New 启动服务，测试结束时自动关闭。
func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := &Server{
		accounts:      make(map[string]account),
		users:         make(map[string]protocol.User),
		access:        make(map[string]string),
		refresh:       make(map[string]string),
		calls:         make(map[string]int),
		failures:      make(map[string]int),
		readSet:       make(map[string]bool),
		conversations: make(map[string][]protocol.Conversation),
		history:       make(map[string][]protocol.Message),
		messagesDelay: make(map[string]time.Duration),
		conns:         make(map[*conn]bool),
		upgrader:      websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.srv = httptest.NewServer(s.router())
	s.URL = s.srv.URL
	t.Cleanup(s.Close)
	return s
}

// WSURL 返回实时通道地址。
func (s *Server) WSURL() string { return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws" }

func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Next()
		s.mu.Lock()
		s.calls[c.Request.Method+" "+c.FullPath()]++
		s.mu.Unlock()
	})
	r.Use(s.injectFailures)

	api := r.Group("/api")
	api.POST("/auth/login", s.login)
	api.POST("/auth/register", s.register)
	api.POST("/auth/refresh", s.refreshToken)

	authed := api.Group("", s.requireAccess)
	authed.GET("/auth/profile", s.profile)
	authed.GET("/admin/requests/unread-count", s.requireAdmin, s.unreadCount)
	authed.PUT("/admin/requests/:id/read", s.requireAdmin, s.markRequestRead)
	authed.GET("/chat/conversations", s.listConversations)
	authed.GET("/chat/messages/:peerId", s.listMessages)
	authed.POST("/chat/messages/:peerId", s.sendMessage)
	authed.PUT("/chat/messages/:peerId/read", s.markMessageRead)

	r.GET("/ws", s.serveWS)
	return r
}

// ---- 测试钩子 ----

// AddUser 注册账号，返回用户。
func (s *Server) AddUser(u protocol.User, password string) protocol.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[u.Email] = account{user: u, password: password}
	s.users[u.ID] = u
	return u
}

// Issue 直接签发一对令牌。
func (s *Server) Issue(userID string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID)
}

func (s *Server) issueLocked(userID string) (access, refresh string) {
	s.seq++
	access = fmt.Sprintf("access-%d", s.seq)
	refresh = fmt.Sprintf("refresh-%d", s.seq)
	s.access[access] = userID
	s.refresh[refresh] = userID
	return access, refresh
}

// ExpireAccess 让所有 access token 失效，refresh token 仍然有效。
func (s *Server) ExpireAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
}

// RevokeRefresh 让所有 refresh token 失效。
func (s *Server) RevokeRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]string)
}

// Calls 返回某个路由被调用的次数，键形如 "POST /api/auth/refresh"。
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Fail 让某个路由接下来 n 次返回 status。
func (s *Server) Fail(route string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = n
	s.failures[route+"#status"] = status
}

func (s *Server) injectFailures(c *gin.Context) {
	route := c.Request.Method + " " + c.FullPath()
	s.mu.Lock()
	n := s.failures[route]
	status := s.failures[route+"#status"]
	if n > 0 {
		s.failures[route] = n - 1
	}
	s.mu.Unlock()
	if n > 0 {
		c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
	}
}

func (s *Server) SetUnread(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = n
}

func (s *Server) ReadRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.readRequests...)
}

func (s *Server) SetConversations(userID string, convs []protocol.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[userID] = convs
}

func (s *Server) SetHistory(userID, peerID string, msgs []protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[userID+"|"+peerID] = msgs
}

func (s *Server) MessageReads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messageReads...)
}

// DelayMessages 让拉取与 peerID 的历史消息延迟 d。
func (s *Server) DelayMessages(peerID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messagesDelay[peerID] = d
}

func (s *Server) DelayRefresh(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// RejectWebSocket 为 true 时握手返回 503。
func (s *Server) RejectWebSocket(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectWS = reject
}

func (s *Server) Joins() []Join {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Join(nil), s.joins...)
}

func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections 从服务端断开所有实时连接。
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*conn]bool)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Push 向房间内所有连接推送事件，返回送达的连接数。
func (s *Server) Push(room, event string, payload any) int {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	targets := make([]*conn, 0)
	for c := range s.conns {
		if c.rooms[room] {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	n := 0
	for _, c := range targets {
		if c.write(frame) == nil {
			n++
		}
	}
	return n
}

// WaitFor 轮询 cond 直到为 true，超时则测试失败。
func WaitFor(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

// ---- handlers ----

func bearer(c *gin.Context) string {
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}

func (s *Server) login(c *gin.Context) {
	var req protocol.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password are required"})
		return
	}
	s.mu.Lock()
	acc, ok := s.accounts[req.Email]
	if !ok || acc.password != req.Password {
		s.mu.Unlock()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	access, refresh := s.issueLocked(acc.user.ID)
	s.mu.Unlock()
	c.JSON(http.StatusOK, protocol.LoginResponse{AccessToken: access, RefreshToken: refresh, User: acc.user})
}

func (s *Server) register(c *gin.Context) {
	var req protocol.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password are required"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[req.Email]; ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User already exists"})
		return
	}
	s.seq++
	u := protocol.User{ID: fmt.Sprintf("u-%d", s.seq), Email: req.Email, Role: protocol.RoleCustomer,
		FirstName: req.FirstName, LastName: req.LastName}
	s.accounts[u.Email] = account{user: u, password: req.Password}
	s.users[u.ID] = u
	c.JSON(http.StatusCreated, protocol.RegisterResponse{Message: "User registered successfully", User: u})
}

func (s *Server) refreshToken(c *gin.Context) {
	s.mu.Lock()
	delay := s.refreshDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.refresh[bearer(c)]
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid refresh token"})
		return
	}
	s.seq++
	access := fmt.Sprintf("access-%d", s.seq)
	s.access[access] = uid
	c.JSON(http.StatusOK, protocol.RefreshResponse{AccessToken: access})
}

func (s *Server) requireAccess(c *gin.Context) {
	s.mu.Lock()
	uid, ok := s.access[bearer(c)]
	s.mu.Unlock()
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token expired"})
		return
	}
	c.Set("uid", uid)
	c.Next()
}

func (s *Server) currentUser(c *gin.Context) protocol.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[c.GetString("uid")]
}

func (s *Server) requireAdmin(c *gin.Context) {
	if !s.currentUser(c).IsAdmin() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
		return
	}
	c.Next()
}

func (s *Server) profile(c *gin.Context) {
	c.JSON(http.StatusOK, s.currentUser(c))
}

func (s *Server) unreadCount(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, protocol.UnreadCount{UnreadCount: s.unread})
}

func (s *Server) markRequestRead(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readRequests = append(s.readRequests, id)
	if !s.readSet[id] {
		s.readSet[id] = true
		if s.unread > 0 {
			s.unread--
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "Request marked as read"})
}

func (s *Server) listConversations(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	convs := s.conversations[c.GetString("uid")]
	if convs == nil {
		convs = []protocol.Conversation{}
	}
	c.JSON(http.StatusOK, convs)
}

func (s *Server) listMessages(c *gin.Context) {
	peer := c.Param("peerId")
	s.mu.Lock()
	delay := s.messagesDelay[peer]
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.history[c.GetString("uid")+"|"+peer]
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) sendMessage(c *gin.Context) {
	var req protocol.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message content is required"})
		return
	}
	if req.MessageType == "" {
		req.MessageType = "text"
	}
	uid, peer := c.GetString("uid"), c.Param("peerId")
	s.mu.Lock()
	s.seq++
	msg := protocol.Message{
		ID:          fmt.Sprintf("m-%d", s.seq),
		SenderID:    uid,
		ReceiverID:  peer,
		Content:     req.Content,
		MessageType: req.MessageType,
		CreatedAt:   time.Now().UTC(),
	}
	s.history[uid+"|"+peer] = append(s.history[uid+"|"+peer], msg)
	s.history[peer+"|"+uid] = append(s.history[peer+"|"+uid], msg)
	s.mu.Unlock()

	s.Push(uid, protocol.EventNewMessage, msg)
	if peer != uid {
		s.Push(peer, protocol.EventNewMessage, msg)
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) markMessageRead(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageReads = append(s.messageReads, c.Param("peerId"))
	c.JSON(http.StatusOK, gin.H{"message": "Message marked as read"})
}

func (s *Server) serveWS(c *gin.Context) {
	s.mu.Lock()
	uid, ok := s.access[c.Query("token")]
	reject := s.rejectWS
	s.mu.Unlock()
	if reject {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token expired"})
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	cn := &conn{ws: ws, userID: uid, rooms: make(map[string]bool)}
	s.mu.Lock()
	s.conns[cn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, cn)
		s.mu.Unlock()
		_ = ws.Close()
	}()
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(frame)
		if err != nil || env.Event != protocol.EventJoin {
			continue
		}
		var j protocol.Join
		if err := json.Unmarshal(env.Data, &j); err != nil {
			continue
		}
		s.mu.Lock()
		u := s.users[uid]
		if j.UserID == uid || (j.UserID == protocol.AdminRoom && u.IsAdmin()) {
			cn.rooms[j.UserID] = true
			s.joins = append(s.joins, Join{UserID: uid, Room: j.UserID})
		}
		s.mu.Unlock()
	}
}
