// Package notify 维护通知日志与管理员未读数。
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Mohamedrebhi/videmaison/internal/apiclient"
	"github.com/Mohamedrebhi/videmaison/internal/protocol"
	"github.com/Mohamedrebhi/videmaison/internal/realtime"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Type string

const (
	TypeNewRequest   Type = "new_request"
	TypeStatusUpdate Type = "status_update"
)

// ErrDetached 表示引擎当前没有绑定会话。
var ErrDetached = errors.New("notify: engine is not attached")

// Notification 的 ID 由本地单调生成，Payload 为 protocol.NewRequest 或 protocol.RequestUpdate。
type Notification struct {
	ID         uint64
	Type       Type
	Message    string
	RequestID  string
	Payload    any
	Read       bool
	ReceivedAt time.Time
}

// Source 是引擎订阅的事件来源，*realtime.Manager 满足。
type Source interface {
	NewRequests() *realtime.Topic[protocol.NewRequest]
	RequestUpdates() *realtime.Topic[protocol.RequestUpdate]
}

// Alerter 触发本地提醒，必须立即返回。
type Alerter interface {
	Fire(title, body string) string
}

type Option func(*Engine)

func WithAlerter(a Alerter) Option          { return func(e *Engine) { e.alerter = a } }
func WithLogger(l zerolog.Logger) Option    { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

type Engine struct {
	api     apiclient.Doer
	alerter Alerter
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	gen      uint64
	attached bool
	user     protocol.User
	entries  []Notification
	unread   int
	nextID   uint64
	unsubs   []func()

	obsMu   sync.Mutex
	obsNext int
	obs     map[int]func()
}

func New(api apiclient.Doer, opts ...Option) *Engine {
	e := &Engine{
		api:    api,
		logger: log.Logger.With().Str("component", "notify").Logger(),
		now:    time.Now,
		obs:    make(map[int]func()),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Attach 绑定到某个用户的事件流，之前的绑定会被替换。
func (e *Engine) Attach(src Source, u protocol.User) {
	e.Detach()

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.attached = true
	e.user = u
	unsubs := []func(){
		src.RequestUpdates().Subscribe(func(r protocol.RequestUpdate) { e.onRequestUpdate(gen, r) }),
	}
	if u.IsAdmin() {
		unsubs = append(unsubs, src.NewRequests().Subscribe(func(r protocol.NewRequest) { e.onNewRequest(gen, r) }))
	}
	e.unsubs = unsubs
	e.mu.Unlock()
}

// Detach 取消订阅并清空状态；之后到达的事件与响应都会被丢弃。
func (e *Engine) Detach() {
	e.mu.Lock()
	e.gen++
	unsubs := e.unsubs
	e.unsubs = nil
	wasAttached := e.attached
	e.attached = false
	e.user = protocol.User{}
	e.entries = nil
	e.unread = 0
	e.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if wasAttached {
		e.changed()
	}
}

func (e *Engine) onNewRequest(gen uint64, r protocol.NewRequest) {
	msg := fmt.Sprintf("New service request from %s for %s", r.Name, r.ServiceType)
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.prependLocked(Notification{Type: TypeNewRequest, Message: msg, RequestID: r.ID, Payload: r})
	e.unread++
	e.mu.Unlock()

	e.changed()
	e.alert("New service request", msg)
}

func (e *Engine) onRequestUpdate(gen uint64, r protocol.RequestUpdate) {
	msg := fmt.Sprintf("Your request status has been updated to: %s", r.Status)
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.prependLocked(Notification{Type: TypeStatusUpdate, Message: msg, RequestID: r.ID, Payload: r})
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) prependLocked(n Notification) {
	e.nextID++
	n.ID = e.nextID
	n.ReceivedAt = e.now()
	e.entries = append([]Notification{n}, e.entries...)
}

func (e *Engine) alert(title, body string) {
	if e.alerter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("alerter panicked")
		}
	}()
	e.alerter.Fire(title, body)
}

// FetchUnreadCount 用服务端的权威值覆盖本地未读数。
func (e *Engine) FetchUnreadCount(ctx context.Context) error {
	e.mu.Lock()
	gen, attached := e.gen, e.attached
	e.mu.Unlock()
	if !attached {
		return ErrDetached
	}

	var out protocol.UnreadCount
	if err := e.api.Do(ctx, http.MethodGet, apiclient.PathUnreadCount, nil, &out); err != nil {
		e.logger.Warn().Err(err).Msg("fetch unread count")
		return err
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return nil
	}
	e.unread = out.UnreadCount
	e.mu.Unlock()
	e.changed()
	return nil
}

// MarkAsRead 在服务端标记请求已读，成功后翻转本地对应通知并重新拉取未读数。
func (e *Engine) MarkAsRead(ctx context.Context, requestID string) error {
	e.mu.Lock()
	gen, attached := e.gen, e.attached
	e.mu.Unlock()
	if !attached {
		return ErrDetached
	}

	if err := e.api.Do(ctx, http.MethodPut, apiclient.RequestReadPath(requestID), nil, nil); err != nil {
		e.logger.Warn().Err(err).Str("request_id", requestID).Msg("mark request read")
		return err
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return nil
	}
	for i := range e.entries {
		if e.entries[i].RequestID == requestID {
			e.entries[i].Read = true
		}
	}
	e.mu.Unlock()
	e.changed()

	if err := e.FetchUnreadCount(ctx); err != nil && !errors.Is(err, ErrDetached) {
		e.logger.Warn().Err(err).Str("request_id", requestID).Msg("refresh unread count after read")
	}
	return nil
}

// Clear 清空本地通知日志，不影响服务端已读状态。
func (e *Engine) Clear() {
	e.mu.Lock()
	e.entries = nil
	e.mu.Unlock()
	e.changed()
}

// Notifications 按最新在前返回通知的副本。
func (e *Engine) Notifications() []Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Notification(nil), e.entries...)
}

func (e *Engine) UnreadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unread
}

// OnChange 注册状态变化回调。
func (e *Engine) OnChange(fn func()) (unsubscribe func()) {
	e.obsMu.Lock()
	id := e.obsNext
	e.obsNext++
	e.obs[id] = fn
	e.obsMu.Unlock()
	return func() {
		e.obsMu.Lock()
		delete(e.obs, id)
		e.obsMu.Unlock()
	}
}

func (e *Engine) changed() {
	e.obsMu.Lock()
	ids := make([]int, 0, len(e.obs))
	for id := range e.obs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.obs[id])
	}
	e.obsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
