// Package chat 维护会话列表与当前会话的消息历史。
package chat

import (
	"context"
	"errors"
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

// PlaceholderName 是首次通过实时事件出现的会话的显示名，没有用户目录可供查询。
const PlaceholderName = "New conversation"

const markReadTimeout = 10 * time.Second

var (
	ErrDetached     = errors.New("chat: engine is not attached")
	ErrEmptyMessage = errors.New("chat: message content is empty")
)

// Source 是引擎订阅的事件来源，*realtime.Manager 满足。
type Source interface {
	NewMessages() *realtime.Topic[protocol.Message]
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.logger = l } }

type Engine struct {
	api    apiclient.Doer
	logger zerolog.Logger

	mu       sync.Mutex
	gen      uint64
	attached bool
	user     protocol.User
	convs    []protocol.Conversation
	msgs     []protocol.Message
	active   string
	loadSeq  uint64
	unsub    func()
	inflight sync.WaitGroup

	obsMu   sync.Mutex
	obsNext int
	obs     map[int]func()
}

func New(api apiclient.Doer, opts ...Option) *Engine {
	e := &Engine{
		api:    api,
		logger: log.Logger.With().Str("component", "chat").Logger(),
		obs:    make(map[int]func()),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Attach 绑定当前用户并订阅 new_message。
func (e *Engine) Attach(src Source, u protocol.User) {
	e.Detach()
	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.attached = true
	e.user = u
	e.unsub = src.NewMessages().Subscribe(func(m protocol.Message) { e.onNewMessage(gen, m) })
	e.mu.Unlock()
}

// Detach 取消订阅并清空全部状态。
func (e *Engine) Detach() {
	e.mu.Lock()
	e.gen++
	unsub := e.unsub
	e.unsub = nil
	wasAttached := e.attached
	e.attached = false
	e.user = protocol.User{}
	e.convs = nil
	e.msgs = nil
	e.active = ""
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if wasAttached {
		e.changed()
	}
}

func (e *Engine) snapshotGen() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen, e.attached
}

// LoadConversations 拉取完整会话列表并整体替换本地状态。
func (e *Engine) LoadConversations(ctx context.Context) error {
	gen, attached := e.snapshotGen()
	if !attached {
		return ErrDetached
	}
	var convs []protocol.Conversation
	if err := e.api.Do(ctx, http.MethodGet, apiclient.PathConversations, nil, &convs); err != nil {
		e.logger.Warn().Err(err).Msg("load conversations")
		return err
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return nil
	}
	e.convs = convs
	sortConversations(e.convs)
	e.mu.Unlock()
	e.changed()
	return nil
}

// LoadMessages 把 peerID 设为当前会话并拉取完整历史。
// 响应返回前当前会话已切换时，结果被丢弃。
func (e *Engine) LoadMessages(ctx context.Context, peerID string) error {
	e.mu.Lock()
	if !e.attached {
		e.mu.Unlock()
		return ErrDetached
	}
	gen := e.gen
	if e.active != peerID {
		e.msgs = nil
	}
	e.active = peerID
	e.loadSeq++
	seq := e.loadSeq
	e.mu.Unlock()
	e.changed()

	var msgs []protocol.Message
	if err := e.api.Do(ctx, http.MethodGet, apiclient.MessagesPath(peerID), nil, &msgs); err != nil {
		e.logger.Warn().Err(err).Str("peer_id", peerID).Msg("load messages")
		return err
	}

	e.mu.Lock()
	if gen != e.gen || seq != e.loadSeq || e.active != peerID {
		e.mu.Unlock()
		e.logger.Debug().Str("peer_id", peerID).Msg("discarded stale message history")
		return nil
	}
	e.msgs = msgs
	if i := e.indexLocked(peerID); i >= 0 {
		e.convs[i].UnreadCount = 0
	}
	e.mu.Unlock()
	e.changed()
	return nil
}

// SelectConversation 切换当前会话而不拉取历史；空字符串表示不选中任何会话。
func (e *Engine) SelectConversation(peerID string) {
	e.mu.Lock()
	if e.active == peerID {
		e.mu.Unlock()
		return
	}
	e.active = peerID
	e.msgs = nil
	e.loadSeq++
	e.mu.Unlock()
	e.changed()
}

// SendMessage 发送消息；失败时不修改任何本地状态。
func (e *Engine) SendMessage(ctx context.Context, peerID, content, msgType string) (*protocol.Message, error) {
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if msgType == "" {
		msgType = "text"
	}
	gen, attached := e.snapshotGen()
	if !attached {
		return nil, ErrDetached
	}

	var msg protocol.Message
	req := protocol.SendMessageRequest{Content: content, MessageType: msgType}
	if err := e.api.Do(ctx, http.MethodPost, apiclient.MessagesPath(peerID), req, &msg); err != nil {
		e.logger.Warn().Err(err).Str("peer_id", peerID).Msg("send message")
		return nil, err
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return &msg, nil
	}
	if peerID == e.active {
		e.appendLocked(msg)
	}
	e.upsertLocked(peerID, msg, false)
	e.mu.Unlock()
	e.changed()
	return &msg, nil
}

func (e *Engine) onNewMessage(gen uint64, m protocol.Message) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	me := e.user.ID
	if m.SenderID != me && m.ReceiverID != me {
		e.mu.Unlock()
		e.logger.Warn().Str("message_id", m.ID).Msg("message for another user")
		return
	}
	peer := m.PeerOf(me)
	inbound := m.SenderID != me
	isActive := peer == e.active && peer != ""

	markRead := false
	if isActive && e.appendLocked(m) && inbound {
		markRead = true
	}
	e.upsertLocked(peer, m, inbound && !isActive)
	e.mu.Unlock()

	e.changed()
	if markRead {
		e.MarkMessageAsRead(m.ID)
	}
}

// appendLocked 追加到当前消息列表，已存在同 ID 的消息时跳过。
func (e *Engine) appendLocked(m protocol.Message) bool {
	for _, x := range e.msgs {
		if x.ID == m.ID {
			return false
		}
	}
	e.msgs = append(e.msgs, m)
	return true
}

func (e *Engine) indexLocked(peerID string) int {
	for i := range e.convs {
		if e.convs[i].PeerID == peerID {
			return i
		}
	}
	return -1
}

func (e *Engine) upsertLocked(peerID string, m protocol.Message, incUnread bool) {
	i := e.indexLocked(peerID)
	if i < 0 {
		e.convs = append(e.convs, protocol.Conversation{PeerID: peerID, DisplayName: PlaceholderName})
		i = len(e.convs) - 1
	}
	c := &e.convs[i]
	c.LastMessage = m.Content
	c.LastMessageAt = m.CreatedAt
	if incUnread {
		c.UnreadCount++
	}
	sortConversations(e.convs)
}

func sortConversations(convs []protocol.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
}

// MarkMessageAsRead 异步标记消息已读，成功后翻转本地消息的 Read；失败只记录日志。
func (e *Engine) MarkMessageAsRead(messageID string) {
	gen, _ := e.snapshotGen()
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
		defer cancel()
		if err := e.api.Do(ctx, http.MethodPut, apiclient.MessageReadPath(messageID), nil, nil); err != nil {
			e.logger.Warn().Err(err).Str("message_id", messageID).Msg("mark message read")
			return
		}

		e.mu.Lock()
		flipped := false
		if gen == e.gen {
			for i := range e.msgs {
				if e.msgs[i].ID == messageID && !e.msgs[i].Read {
					e.msgs[i].Read = true
					flipped = true
				}
			}
		}
		e.mu.Unlock()
		if flipped {
			e.changed()
		}
	}()
}

// Wait 等待所有异步的已读标记完成。
func (e *Engine) Wait() { e.inflight.Wait() }

func (e *Engine) Conversations() []protocol.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Conversation(nil), e.convs...)
}

func (e *Engine) Messages() []protocol.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Message(nil), e.msgs...)
}

func (e *Engine) ActiveConversation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
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
