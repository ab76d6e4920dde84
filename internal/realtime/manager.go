package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/Mohamedrebhi/videmaison/internal/metrics"
	"github.com/Mohamedrebhi/videmaison/internal/protocol"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int

const (
	Closed State = iota
	Connecting
	Open
	Reconnecting
	Error
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	}
	return "closed"
}

var (
	ErrNoIdentity = errors.New("realtime: user id is required")
	ErrNoURL      = errors.New("realtime: url is required")
)

// Dialer 抽象 websocket 握手，*websocket.Dialer 直接满足。
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)
}

type Config struct {
	URL string
	// Attempts 是断线后最多重试的次数，默认 5。
	Attempts int
	// Delay 是两次重试之间的固定间隔，默认 1 秒。
	Delay time.Duration
}

// Identity 描述连接所属的用户。Token 在每次握手时调用，以便重连时使用刷新后的令牌；
// Refresh 可选，握手返回 401 时调用一次。
type Identity struct {
	UserID  string
	Rooms   []string
	Token   func() string
	Refresh func(ctx context.Context) bool
}

// IdentityFor 按用户角色生成要加入的房间：自己的房间，管理员额外加入 admin。
func IdentityFor(u protocol.User, token func() string, refresh func(context.Context) bool) Identity {
	rooms := []string{u.Room()}
	if u.IsAdmin() {
		rooms = append(rooms, protocol.AdminRoom)
	}
	return Identity{UserID: u.ID, Rooms: rooms, Token: token, Refresh: refresh}
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.logger = l } }

const writeWait = 10 * time.Second

// Manager 独占唯一的实时连接：建立连接、加入房间、断线重连，并把入站事件分发到 Bus。
type Manager struct {
	*Bus

	cfg    Config
	dialer Dialer
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	connErr  string
	gen      uint64
	cancel   context.CancelFunc
	conn     *websocket.Conn
	wmu      sync.Mutex
	notifyMu sync.Mutex
	obsNext  int
	obs      map[int]func(State)
}

func NewManager(cfg Config, dialer Dialer, opts ...Option) *Manager {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	m := &Manager{
		Bus:    NewBus(),
		cfg:    cfg,
		dialer: dialer,
		logger: log.Logger.With().Str("component", "realtime").Logger(),
		obs:    make(map[int]func(State)),
	}
	for _, o := range opts {
		o(m)
	}
	metrics.ClientRealtimeState.Set(float64(Closed))
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionError 返回最近一次不可恢复的连接错误，没有则为空。
func (m *Manager) ConnectionError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connErr
}

// OnState 注册状态观察者。观察者中不得同步调用 Open 或 Close。
func (m *Manager) OnState(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.obsNext
	m.obsNext++
	m.obs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.obs, id)
		m.mu.Unlock()
	}
}

// Open 开始连接并立即返回。已有连接时先断开再以新身份连接，订阅保持不变。
// 连接的生命周期受 ctx 约束。
func (m *Manager) Open(ctx context.Context, id Identity) error {
	if id.UserID == "" {
		return ErrNoIdentity
	}
	if m.cfg.URL == "" {
		return ErrNoURL
	}
	if len(id.Rooms) == 0 {
		id.Rooms = []string{id.UserID}
	}
	runCtx, cancel := context.WithCancel(ctx)

	m.notifyMu.Lock()
	m.mu.Lock()
	m.gen++
	gen := m.gen
	prevCancel, prevConn := m.cancel, m.conn
	m.cancel, m.conn = cancel, nil
	m.connErr = ""
	m.state = Connecting
	fns := m.observersLocked()
	m.mu.Unlock()
	m.publishState(Connecting, fns)
	m.notifyMu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prevConn != nil {
		_ = prevConn.Close()
	}
	go m.run(runCtx, gen, id)
	return nil
}

// Close 断开连接并移除所有订阅者，可重复调用。返回时状态已经是 closed。
func (m *Manager) Close() {
	m.notifyMu.Lock()
	m.mu.Lock()
	m.gen++
	cancel, conn := m.cancel, m.conn
	m.cancel, m.conn = nil, nil
	prev := m.state
	m.state = Closed
	m.connErr = ""
	fns := m.observersLocked()
	m.mu.Unlock()
	if prev != Closed {
		m.publishState(Closed, fns)
	}
	m.notifyMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		m.wmu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.wmu.Unlock()
		_ = conn.Close()
	}
	m.Bus.Clear()
	if prev != Closed {
		m.logger.Debug().Msg("channel closed")
	}
}

func (m *Manager) observersLocked() []func(State) {
	ids := make([]int, 0, len(m.obs))
	for id := range m.obs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.obs[id])
	}
	return fns
}

func (m *Manager) publishState(s State, fns []func(State)) {
	metrics.ClientRealtimeState.Set(float64(s))
	for _, fn := range fns {
		fn(s)
	}
}

// transition 只在 gen 仍是当前连接时生效。
func (m *Manager) transition(gen uint64, s State, connErr string, conn *websocket.Conn) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	changed := m.state != s
	m.state = s
	m.connErr = connErr
	if conn != nil {
		m.conn = conn
	}
	fns := m.observersLocked()
	m.mu.Unlock()
	if changed {
		m.publishState(s, fns)
	}
	return true
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) run(ctx context.Context, gen uint64, id Identity) {
	logger := m.logger.With().Str("user_id", id.UserID).Logger()
	for {
		conn, err := m.connect(ctx, id, logger)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("realtime connection failed")
			m.transition(gen, Error, err.Error(), nil)
			return
		}
		if !m.transition(gen, Open, "", conn) {
			_ = conn.Close()
			return
		}
		if err := m.join(conn, id.Rooms); err != nil {
			logger.Warn().Err(err).Msg("send join")
		} else {
			logger.Info().Strs("rooms", id.Rooms).Msg("realtime connected")
		}

		err = m.readLoop(gen, conn)
		_ = conn.Close()
		if ctx.Err() != nil || !m.current(gen) {
			return
		}
		logger.Warn().Err(err).Msg("realtime disconnected")
		if !m.transition(gen, Reconnecting, "", nil) {
			return
		}
	}
}

// connect 按固定间隔握手，最多重试 Attempts 次。
func (m *Manager) connect(ctx context.Context, id Identity, logger zerolog.Logger) (*websocket.Conn, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.Delay), uint64(m.cfg.Attempts)), ctx)

	var conn *websocket.Conn
	op := func() error {
		c, resp, err := m.dialer.DialContext(ctx, m.dialURL(id), nil)
		if err == nil {
			conn = c
			return nil
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			if id.Refresh == nil || !id.Refresh(ctx) {
				return backoff.Permanent(fmt.Errorf("realtime: handshake unauthorized: %w", err))
			}
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.ClientRealtimeReconnects.Inc()
		logger.Debug().Err(err).Dur("wait", wait).Msg("realtime dial retry")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *Manager) dialURL(id Identity) string {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return m.cfg.URL
	}
	if id.Token != nil {
		if tok := id.Token(); tok != "" {
			q := u.Query()
			q.Set("token", tok)
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}

// join 在每次连接建立后重新加入全部房间。
func (m *Manager) join(conn *websocket.Conn, rooms []string) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	for _, room := range rooms {
		frame, err := protocol.Encode(protocol.EventJoin, protocol.Join{UserID: room})
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) error {
	conn.SetReadLimit(1 << 20)
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if !m.current(gen) {
			return nil
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			m.logger.Warn().Err(err).Msg("malformed realtime frame")
			continue
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env protocol.Envelope) {
	var err error
	switch env.Event {
	case protocol.EventNewRequest:
		err = deliver(m.newRequests, env.Data)
	case protocol.EventRequestUpdate:
		err = deliver(m.requestUpdates, env.Data)
	case protocol.EventNewMessage:
		err = deliver(m.newMessages, env.Data)
	default:
		m.logger.Debug().Str("event", env.Event).Msg("ignored realtime event")
		return
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("event", env.Event).Msg("decode realtime payload")
		return
	}
	metrics.ClientRealtimeEvents.WithLabelValues(env.Event).Inc()
}

func deliver[T any](t *Topic[T], data json.RawMessage) error {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	t.Publish(v)
	return nil
}
