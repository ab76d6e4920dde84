package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Mohamedrebhi/videmaison/internal/auth"
	"github.com/Mohamedrebhi/videmaison/internal/models"
	"github.com/Mohamedrebhi/videmaison/internal/protocol"

	"gorm.io/gorm"
)

const (
	// 会话列表最多扫描的最近消息数。
	conversationScanLimit = 2000
	// 分页拉取历史时单页上限。
	maxHistoryPage = 200
)

// ChatService 封装私信相关的业务逻辑。
type ChatService struct {
	db       *gorm.DB
	notifier Notifier
}

func NewChatService(db *gorm.DB, notifier Notifier) *ChatService {
	return &ChatService{db: db, notifier: notifier}
}

func toMessage(m models.ChatMessage) protocol.Message {
	return protocol.Message{
		ID:          idString(m.ID),
		SenderID:    idString(m.SenderID),
		ReceiverID:  idString(m.ReceiverID),
		Content:     m.Content,
		MessageType: m.MessageType,
		CreatedAt:   m.CreatedAt,
		Read:        m.IsRead,
	}
}

// DisplayName 优先使用姓名，没有时退回邮箱。
func DisplayName(u models.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

// buildConversations 把按时间倒序排列的消息折叠为每个对方一条会话。
func buildConversations(userID uint, msgs []models.ChatMessage, names map[uint]string) []protocol.Conversation {
	index := make(map[uint]int)
	out := make([]protocol.Conversation, 0)
	for _, m := range msgs {
		peer := m.SenderID
		if peer == userID {
			peer = m.ReceiverID
		}
		i, ok := index[peer]
		if !ok {
			i = len(out)
			index[peer] = i
			out = append(out, protocol.Conversation{
				PeerID:        idString(peer),
				DisplayName:   names[peer],
				LastMessage:   m.Content,
				LastMessageAt: m.CreatedAt,
			})
		}
		if m.ReceiverID == userID && m.SenderID == peer && !m.IsRead {
			out[i].UnreadCount++
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].LastMessageAt.After(out[b].LastMessageAt) })
	return out
}

// Conversations 返回 userID 参与的全部会话，最近的在前。
func (s *ChatService) Conversations(userID uint) ([]protocol.Conversation, error) {
	var msgs []models.ChatMessage
	err := s.db.Where("sender_id = ? OR receiver_id = ?", userID, userID).
		Order("created_at desc, id desc").Limit(conversationScanLimit).Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	names, err := s.resolveNames(userID, msgs)
	if err != nil {
		return nil, err
	}
	return buildConversations(userID, msgs, names), nil
}

// resolveNames 批量获取消息涉及的对方名称。
func (s *ChatService) resolveNames(userID uint, msgs []models.ChatMessage) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		for _, id := range []uint{m.SenderID, m.ReceiverID} {
			if id == userID {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	names := make(map[uint]string, len(ids))
	if len(ids) > 0 {
		var users []models.User
		if err := s.db.Select("id", "email", "first_name", "last_name").Where("id IN ?", ids).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			names[u.ID] = DisplayName(u)
		}
	}
	return names, nil
}

// History 返回两人之间的消息，按 id 升序。limit 为 0 时返回全部；
// limit > 0 时只取 beforeID 之前最近的 limit 条（最多 maxHistoryPage）。
func (s *ChatService) History(userID, peerID uint, limit int, beforeID uint) ([]protocol.Message, error) {
	q := s.db.Where("((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))", userID, peerID, peerID, userID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.ChatMessage
	if limit <= 0 {
		if err := q.Order("id asc").Find(&msgs).Error; err != nil {
			return nil, err
		}
		out := make([]protocol.Message, len(msgs))
		for i, m := range msgs {
			out[i] = toMessage(m)
		}
		return out, nil
	}

	if limit > maxHistoryPage {
		limit = maxHistoryPage
	}
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	out := make([]protocol.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = toMessage(m)
	}
	return out, nil
}

// Send 保存消息并推送给双方的私有房间。
func (s *ChatService) Send(sender models.User, peerID uint, req protocol.SendMessageRequest) (protocol.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return protocol.Message{}, ErrEmptyMessage
	}
	if peerID == sender.ID {
		return protocol.Message{}, fmt.Errorf("%w: cannot message yourself", ErrInvalidInput)
	}
	var peer models.User
	if err := s.db.First(&peer, peerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return protocol.Message{}, ErrUserNotFound
		}
		return protocol.Message{}, err
	}
	if sender.Role != auth.RoleAdmin && peer.Role != auth.RoleAdmin {
		return protocol.Message{}, ErrPeerNotAllowed
	}
	kind := req.MessageType
	if kind == "" {
		kind = "text"
	}
	m := models.ChatMessage{SenderID: sender.ID, ReceiverID: peer.ID, Content: content, MessageType: kind}
	if err := s.db.Create(&m).Error; err != nil {
		return protocol.Message{}, err
	}
	out := toMessage(m)
	s.notifier.Emit(idString(peer.ID), protocol.EventNewMessage, out)
	s.notifier.Emit(idString(sender.ID), protocol.EventNewMessage, out)
	return out, nil
}

// MarkRead 只有接收方能把消息标记为已读。
func (s *ChatService) MarkRead(userID, messageID uint) error {
	res := s.db.Model(&models.ChatMessage{}).
		Where("id = ? AND receiver_id = ?", messageID, userID).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}
