package protocol

import (
	"encoding/json"
	"time"
)

// 实时通道上的事件名，客户端与服务端共用。
const (
	EventJoin          = "join"
	EventNewRequest    = "new_request"
	EventRequestUpdate = "request_update"
	EventNewMessage    = "new_message"
)

// AdminRoom 是所有管理员共享的房间。
const AdminRoom = "admin"

// Envelope 是 WebSocket 帧的统一外层结构。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode 把事件负载封装为一帧 JSON。
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode 解析一帧 JSON，负载留给调用方按事件名解码。
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(frame, &env)
	return env, err
}

type Join struct {
	UserID string `json:"user_id"`
}

// NewRequest 在客户提交服务请求时推送到 admin 房间。
type NewRequest struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ServiceType string    `json:"service_type"`
	Address     string    `json:"address,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Email       string    `json:"email,omitempty"`
	Language    string    `json:"language,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RequestUpdate 在管理员修改请求状态后推送给请求的所有者。
type RequestUpdate struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Name        string    `json:"name,omitempty"`
	ServiceType string    `json:"service_type,omitempty"`
	Address     string    `json:"address,omitempty"`
	AdminNotes  string    `json:"admin_notes,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message 同时用作 new_message 事件负载与聊天接口的返回体。
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	ReceiverID  string    `json:"receiver_id"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Read        bool      `json:"read"`
}

// PeerOf 返回消息中相对 userID 的另一方。
func (m Message) PeerOf(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Conversation 是会话列表中的一项，以对方 ID 为键。
type Conversation struct {
	PeerID        string    `json:"id"`
	DisplayName   string    `json:"name"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageTime"`
	UnreadCount   int       `json:"unread"`
}
