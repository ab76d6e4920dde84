// Package alert 实现新请求到达时的本地提醒：提示音、短暂横幅与桌面通知。
package alert

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BannerTTL 是横幅的默认显示时长。
const BannerTTL = 10 * time.Second

type Alert struct {
	ID    string
	Title string
	Body  string
	At    time.Time
}

// Sink 是一种提醒方式。
type Sink interface {
	Notify(ctx context.Context, a Alert) error
}

type SinkFunc func(ctx context.Context, a Alert) error

func (f SinkFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// Bell 向终端输出响铃字符。
type Bell struct {
	mu sync.Mutex
	w  io.Writer
}

func NewBell(w io.Writer) *Bell { return &Bell{w: w} }

func (b *Bell) Notify(context.Context, Alert) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.w, "\a")
	return err
}

// Banner 保存当前显示的横幅，过期后自动隐藏。
type Banner struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cur   Alert
	until time.Time
}

func NewBanner(ttl time.Duration) *Banner {
	if ttl <= 0 {
		ttl = BannerTTL
	}
	return &Banner{ttl: ttl, now: time.Now}
}

func (b *Banner) Notify(_ context.Context, a Alert) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur = a
	b.until = b.now().Add(b.ttl)
	return nil
}

// Current 返回仍在显示期内的横幅。
func (b *Banner) Current() (Alert, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur.ID == "" || !b.now().Before(b.until) {
		return Alert{}, false
	}
	return b.cur, true
}

// Desktop 是系统通知的替身：未获授权时静默跳过，授权后写入日志。
type Desktop struct {
	Permitted bool
	Logger    zerolog.Logger
}

func (d Desktop) Notify(_ context.Context, a Alert) error {
	if !d.Permitted {
		return nil
	}
	d.Logger.Info().Str("alert_id", a.ID).Str("title", a.Title).Str("body", a.Body).Msg("desktop notification")
	return nil
}

// Dispatcher 把提醒异步分发给所有 Sink。Fire 不阻塞也不会 panic。
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		timeout: 5 * time.Second,
		logger:  log.Logger.With().Str("component", "alert").Logger(),
	}
}

// WithLogger 替换日志，返回自身便于链式调用。
func (d *Dispatcher) WithLogger(l zerolog.Logger) *Dispatcher {
	d.logger = l
	return d
}

// Fire 生成一条提醒并交给各个 Sink，返回提醒 ID。
func (d *Dispatcher) Fire(title, body string) string {
	a := Alert{ID: uuid.NewString(), Title: title, Body: body, At: time.Now()}
	for _, s := range d.sinks {
		d.wg.Add(1)
		go d.deliver(s, a)
	}
	return a.ID
}

func (d *Dispatcher) deliver(s Sink, a Alert) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("alert_id", a.ID).Str("panic", fmt.Sprint(r)).Msg("alert sink panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := s.Notify(ctx, a); err != nil {
		d.logger.Warn().Err(err).Str("alert_id", a.ID).Msg("alert sink failed")
	}
}

// Wait 等待已发出的提醒全部处理完。
func (d *Dispatcher) Wait() { d.wg.Wait() }
