package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTimeout 表示客户端超时，按普通失败处理，不会触发刷新令牌。
var ErrTimeout = errors.New("apiclient: request timed out")

// GenericServerMessage 是 5xx 时展示给用户的提示。
const GenericServerMessage = "Server error, please try again later"

// APIError 是服务端返回的非 2xx 响应，Message 取自响应体的 error 字段，没有该字段时为空。
//
//	var apiErr *APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict { ... }
type APIError struct {
	StatusCode int
	Message    string
	Method     string
	Path       string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("apiclient: %s %s: %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsUnauthorized 判断是否为 401，401 统一走刷新重试流程。
func IsUnauthorized(err error) bool { return statusOf(err) == http.StatusUnauthorized }

// IsValidation 判断除 401 外的 4xx，消息原样展示给用户，不重试。
func IsValidation(err error) bool {
	s := statusOf(err)
	return s >= 400 && s < 500 && s != http.StatusUnauthorized
}

// IsServer 判断 5xx。
func IsServer(err error) bool { return statusOf(err) >= 500 }

// UserMessage 把错误转换为可以直接展示的文案：优先使用服务端的 error 字段，
// 5xx 使用通用提示，其他情况使用 fallback。
func UserMessage(err error, fallback string) string {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return fallback
	}
	if apiErr.StatusCode >= 500 {
		return GenericServerMessage
	}
	if apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}
