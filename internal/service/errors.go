package service

import (
	"errors"
	"strconv"
)

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrUserNotFound        = errors.New("user not found")
	ErrRequestNotFound     = errors.New("service request not found")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrMessageNotFound     = errors.New("message not found")
	ErrEmptyMessage        = errors.New("message content is required")
	ErrPeerNotAllowed      = errors.New("customers can only message an administrator")
)

// Notifier 把实时事件推送到某个房间，由 ws.Hub 实现。
type Notifier interface {
	Emit(room, event string, payload any)
}

func idString(id uint) string { return strconv.FormatUint(uint64(id), 10) }

// ParseID 解析路径中的数字 ID。
func ParseID(s string) (uint, bool) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}
