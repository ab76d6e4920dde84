package session

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Mohamedrebhi/videmaison/internal/apiclient"
	"github.com/Mohamedrebhi/videmaison/internal/protocol"
	"github.com/Mohamedrebhi/videmaison/internal/tokenstore"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

type Status int

const (
	Unauthenticated Status = iota
	Authenticating
	Authenticated
	RefreshFailed
)

func (s Status) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case RefreshFailed:
		return "refresh-failed"
	}
	return "unauthenticated"
}

// Snapshot 是推送给观察者的会话状态。
type Snapshot struct {
	Status Status
	User   protocol.User
}

// Result 是登录、注册的返回值；失败时 Error 可直接展示给用户。
type Result struct {
	OK    bool
	Error string
	User  protocol.User
}

const (
	loginFailed    = "Login failed"
	registerFailed = "Registration failed"
	storeTimeout   = 3 * time.Second
)

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.logger = l } }

// Store 持有 access/refresh 令牌与当前用户，是令牌唯一的写入方。
type Store struct {
	api    *apiclient.Client
	authed *apiclient.Authed
	kv     tokenstore.Store
	logger zerolog.Logger
	flight singleflight.Group

	mu      sync.RWMutex
	status  Status
	user    protocol.User
	access  string
	refresh string
	lastErr string

	// notifyMu 保证观察者按状态变化的先后顺序收到通知。
	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	observers map[int]func(Snapshot)
	nextObs   int
}

func New(api *apiclient.Client, kv tokenstore.Store, opts ...Option) *Store {
	s := &Store{
		api:       api,
		kv:        kv,
		logger:    log.Logger.With().Str("component", "session").Logger(),
		observers: make(map[int]func(Snapshot)),
	}
	for _, o := range opts {
		o(s)
	}
	s.authed = apiclient.NewAuthed(api, s)
	return s
}

// Authed 返回绑定到本会话的认证 HTTP 客户端。
func (s *Store) Authed() *apiclient.Authed { return s.authed }

func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Store) User() protocol.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// Err 返回最近一次登录失败的提示文案。
func (s *Store) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Subscribe 注册状态观察者。观察者在状态变化的调用中同步执行，
// 不得在回调里同步调用 Store 的修改方法或发起网络请求。
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// transition 修改内存状态并通知观察者；状态与用户都未变化时不通知。
func (s *Store) transition(mutate func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	before := Snapshot{Status: s.status, User: s.user}
	mutate()
	after := Snapshot{Status: s.status, User: s.user}
	s.mu.Unlock()

	if before == after {
		return
	}
	s.obsMu.Lock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(after)
	}
}

// Restore 读取持久化的令牌并通过 /auth/profile 校验。返回时状态一定不是 authenticating。
func (s *Store) Restore(ctx context.Context) Status {
	s.transition(func() { s.status = Authenticating })

	access := s.load(ctx, tokenstore.KeyAccessToken)
	refresh := s.load(ctx, tokenstore.KeyRefreshToken)
	s.mu.Lock()
	s.access, s.refresh = access, refresh
	s.mu.Unlock()

	if access == "" && refresh == "" {
		s.transition(func() { s.status = Unauthenticated })
		return Unauthenticated
	}
	if access == "" && !s.Refresh(ctx) {
		s.transition(func() { s.status = Unauthenticated })
		return Unauthenticated
	}

	var user protocol.User
	err := s.authed.Do(ctx, http.MethodGet, apiclient.PathProfile, nil, &user)
	switch {
	case err == nil:
		s.transition(func() {
			if s.access == "" {
				// 校验期间被并发登出。
				s.status = Unauthenticated
				return
			}
			s.user = user
			s.status = Authenticated
		})
	case apiclient.IsUnauthorized(err):
		// 刷新失败时 Refresh 已经清除了令牌。
		s.transition(func() { s.status = Unauthenticated })
	default:
		// 网络或服务端故障：保留持久化令牌以便下次重试，本次视为未登录。
		s.logger.Warn().Err(err).Msg("restore profile")
		s.transition(func() {
			s.access, s.refresh = "", ""
			s.user = protocol.User{}
			s.status = Unauthenticated
		})
	}
	return s.Status()
}

// Login 用邮箱密码换取令牌对；失败不会改变已有的持久化状态。
func (s *Store) Login(ctx context.Context, email, password string) Result {
	s.transition(func() {
		s.lastErr = ""
		s.status = Authenticating
	})

	var resp protocol.LoginResponse
	err := s.api.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   apiclient.PathLogin,
		Body:   protocol.LoginRequest{Email: email, Password: password},
	}, &resp)
	if err == nil && resp.AccessToken == "" {
		err = errors.New("session: login response without access token")
	}
	if err != nil {
		msg := apiclient.UserMessage(err, loginFailed)
		s.logger.Warn().Err(err).Str("email", email).Msg("login")
		s.transition(func() {
			s.lastErr = msg
			s.access, s.refresh = "", ""
			s.user = protocol.User{}
			s.status = Unauthenticated
		})
		return Result{Error: msg}
	}

	s.persist(ctx, tokenstore.KeyAccessToken, resp.AccessToken)
	s.persist(ctx, tokenstore.KeyRefreshToken, resp.RefreshToken)
	s.transition(func() {
		s.access, s.refresh = resp.AccessToken, resp.RefreshToken
		s.user = resp.User
		s.status = Authenticated
	})
	s.logger.Info().Str("user_id", resp.User.ID).Str("role", string(resp.User.Role)).Msg("logged in")
	return Result{OK: true, User: resp.User}
}

// Logout 清除两个令牌并回到未登录状态，总是成功。
func (s *Store) Logout() {
	s.logout(Unauthenticated)
}

func (s *Store) logout(final Status) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.kv.Delete(ctx, tokenstore.KeyAccessToken, tokenstore.KeyRefreshToken); err != nil {
		s.logger.Error().Err(err).Msg("purge tokens")
	}
	s.transition(func() {
		s.access, s.refresh = "", ""
		s.user = protocol.User{}
		s.status = final
	})
}

// Refresh 用 refresh token 换取新的 access token。同一时刻只会有一次刷新在途，
// 并发调用者共享同一结果。失败时登出，状态变为 refresh-failed。
func (s *Store) Refresh(ctx context.Context) bool {
	ch := s.flight.DoChan("refresh", func() (any, error) {
		return s.doRefresh(context.WithoutCancel(ctx)), nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

func (s *Store) doRefresh(ctx context.Context) bool {
	s.mu.RLock()
	refresh, hadAccess := s.refresh, s.access != ""
	s.mu.RUnlock()

	if refresh == "" {
		if hadAccess {
			s.logout(RefreshFailed)
		}
		return false
	}

	var resp protocol.RefreshResponse
	err := s.api.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   apiclient.PathRefresh,
		Token:  refresh,
	}, &resp)
	if err == nil && resp.AccessToken == "" {
		err = errors.New("session: refresh response without access token")
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("refresh token")
		s.logout(RefreshFailed)
		return false
	}

	s.persist(ctx, tokenstore.KeyAccessToken, resp.AccessToken)
	if resp.RefreshToken != "" {
		s.persist(ctx, tokenstore.KeyRefreshToken, resp.RefreshToken)
	}
	s.mu.Lock()
	if s.refresh != refresh {
		// 刷新期间会话已被替换（登出或重新登录），丢弃结果。
		s.mu.Unlock()
		return false
	}
	s.access = resp.AccessToken
	if resp.RefreshToken != "" {
		s.refresh = resp.RefreshToken
	}
	s.mu.Unlock()
	s.logger.Debug().Msg("access token refreshed")
	return true
}

// Register 只透传到注册接口，不改变会话状态。
func (s *Store) Register(ctx context.Context, req protocol.RegisterRequest) Result {
	var resp protocol.RegisterResponse
	err := s.api.Do(ctx, apiclient.Request{Method: http.MethodPost, Path: apiclient.PathRegister, Body: req}, &resp)
	if err != nil {
		s.logger.Warn().Err(err).Str("email", req.Email).Msg("register")
		return Result{Error: apiclient.UserMessage(err, registerFailed)}
	}
	return Result{OK: true, User: resp.User}
}

func (s *Store) load(ctx context.Context, key string) string {
	v, err := s.kv.Get(ctx, key)
	if err != nil && !errors.Is(err, tokenstore.ErrNotFound) {
		s.logger.Error().Err(err).Str("key", key).Msg("load token")
	}
	return v
}

func (s *Store) persist(ctx context.Context, key, value string) {
	if value == "" {
		return
	}
	if err := s.kv.Set(ctx, key, value); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("persist token")
	}
}
