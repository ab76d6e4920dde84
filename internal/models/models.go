package models

import "time"

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;size:255;not null"`
	PasswordHash string `gorm:"not null"`
	FirstName    string `gorm:"size:100"`
	LastName     string `gorm:"size:100"`
	Role         string `gorm:"size:16;not null;default:customer"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

// ServiceRequest 是官网联系表单提交的上门清理请求。UserID 为空表示匿名提交。
type ServiceRequest struct {
	ID          uint   `gorm:"primaryKey"`
	UserID      *uint  `gorm:"index"`
	Name        string `gorm:"size:255;not null"`
	Email       string `gorm:"size:255;not null"`
	Phone       string `gorm:"size:64"`
	Address     string `gorm:"type:text"`
	ServiceType string `gorm:"size:64;not null"`
	Message     string `gorm:"type:text"`
	Language    string `gorm:"size:8"`
	Status      string `gorm:"size:16;not null;default:new;index"`
	AdminNotes  string `gorm:"type:text"`
	IsRead      bool   `gorm:"not null;default:false;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChatMessage 是两人之间的一条私信。
type ChatMessage struct {
	ID          uint   `gorm:"primaryKey"`
	SenderID    uint   `gorm:"index:idx_chat_pair,priority:1;not null"`
	ReceiverID  uint   `gorm:"index:idx_chat_pair,priority:2;index;not null"`
	Content     string `gorm:"type:text;not null"`
	MessageType string `gorm:"size:16;not null;default:text"`
	IsRead      bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time
}
