// Package client 组装会话、实时通道、通知与聊天引擎，并根据会话状态驱动它们的生命周期。
package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/Mohamedrebhi/videmaison/internal/alert"
	"github.com/Mohamedrebhi/videmaison/internal/apiclient"
	"github.com/Mohamedrebhi/videmaison/internal/chat"
	"github.com/Mohamedrebhi/videmaison/internal/config"
	applog "github.com/Mohamedrebhi/videmaison/internal/log"
	"github.com/Mohamedrebhi/videmaison/internal/notify"
	"github.com/Mohamedrebhi/videmaison/internal/protocol"
	"github.com/Mohamedrebhi/videmaison/internal/realtime"
	"github.com/Mohamedrebhi/videmaison/internal/session"
	"github.com/Mohamedrebhi/videmaison/internal/tokenstore"

	"github.com/rs/zerolog"
)

// Deps 允许替换外部依赖，零值字段使用默认实现。
type Deps struct {
	Store      tokenstore.Store
	Dialer     realtime.Dialer
	HTTPClient *http.Client
	Alerter    notify.Alerter
	// Sound 是默认提醒的响铃输出，为空时写到 os.Stderr。
	Sound io.Writer
}

// App 是客户端核心的组合根。
type App struct {
	Session       *session.Store
	Channel       *realtime.Manager
	Notifications *notify.Engine
	Chat          *chat.Engine
	// Banner 在未注入 Alerter 时可用，保存最近一条提醒横幅。
	Banner *alert.Banner

	alerts *alert.Dispatcher
	store  tokenstore.Store
	logger zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	current protocol.User
	unsub   func()
	bg      sync.WaitGroup
}

func New(ctx context.Context, cfg config.ClientConfig, deps Deps) (*App, error) {
	if cfg.WSURL == "" {
		cfg.WSURL = config.WebSocketURL(cfg.APIBaseURL)
	}
	if err := config.ValidateClient(cfg); err != nil {
		return nil, err
	}
	api, err := apiclient.New(apiclient.Config{BaseURL: cfg.APIBaseURL, Timeout: cfg.HTTPTimeout, HTTPClient: deps.HTTPClient})
	if err != nil {
		return nil, err
	}

	store := deps.Store
	if store == nil {
		if store, err = tokenstore.Open(ctx, cfg); err != nil {
			return nil, err
		}
	}

	a := &App{store: store, logger: applog.Component("client")}
	alerter := deps.Alerter
	if alerter == nil {
		sound := deps.Sound
		if sound == nil {
			sound = os.Stderr
		}
		a.Banner = alert.NewBanner(alert.BannerTTL)
		a.alerts = alert.NewDispatcher(a.Banner, alert.NewBell(sound), alert.Desktop{Logger: applog.Component("desktop")})
		alerter = a.alerts
	}

	a.Session = session.New(api, store)
	a.Channel = realtime.NewManager(realtime.Config{
		URL:      cfg.WSURL,
		Attempts: cfg.ReconnectAttempts,
		Delay:    cfg.ReconnectDelay,
	}, deps.Dialer)
	a.Notifications = notify.New(a.Session.Authed(), notify.WithAlerter(alerter))
	a.Chat = chat.New(a.Session.Authed())
	return a, nil
}

// Start 订阅会话状态并恢复持久化的会话，返回恢复后的状态。
func (a *App) Start(ctx context.Context) session.Status {
	a.mu.Lock()
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()
	a.unsub = a.Session.Subscribe(a.onSession)
	return a.Session.Restore(ctx)
}

// Stop 关闭连接、清空引擎并释放令牌存储，之后 App 不可再用。
func (a *App) Stop() error {
	if a.unsub != nil {
		a.unsub()
	}
	a.mu.Lock()
	a.teardownLocked()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()
	a.bg.Wait()
	a.Chat.Wait()
	if a.alerts != nil {
		a.alerts.Wait()
	}
	return a.store.Close()
}

// User 返回当前已接入实时通道的用户。
func (a *App) User() protocol.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// onSession 在会话状态变化的调用中同步执行，只做非阻塞操作，网络请求放到后台。
func (a *App) onSession(s session.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s.Status != session.Authenticated || s.User.ID == "" {
		a.teardownLocked()
		return
	}
	if a.current.ID == s.User.ID {
		return
	}
	a.teardownLocked()
	if a.ctx == nil {
		return
	}

	u := s.User
	a.current = u
	a.Notifications.Attach(a.Channel, u)
	a.Chat.Attach(a.Channel, u)
	id := realtime.IdentityFor(u, a.Session.AccessToken, a.Session.Refresh)
	if err := a.Channel.Open(a.ctx, id); err != nil {
		a.logger.Error().Err(err).Str("user_id", u.ID).Msg("open realtime channel")
	}
	a.logger.Info().Str("user_id", u.ID).Str("role", string(u.Role)).Msg("session attached")

	ctx := a.ctx
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		if u.IsAdmin() {
			if err := a.Notifications.FetchUnreadCount(ctx); err != nil && !isBenign(err) {
				a.logger.Warn().Err(err).Msg("initial unread count")
			}
		}
		if err := a.Chat.LoadConversations(ctx); err != nil && !isBenign(err) {
			a.logger.Warn().Err(err).Msg("initial conversations")
		}
	}()
}

func (a *App) teardownLocked() {
	if a.current.ID == "" {
		return
	}
	a.Channel.Close()
	a.Notifications.Detach()
	a.Chat.Detach()
	a.logger.Info().Str("user_id", a.current.ID).Msg("session detached")
	a.current = protocol.User{}
}

func isBenign(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, notify.ErrDetached) || errors.Is(err, chat.ErrDetached)
}
