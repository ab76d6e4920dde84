package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// REST 路径，统一挂在 /api 下。
const (
	PathLogin         = "/api/auth/login"
	PathRegister      = "/api/auth/register"
	PathRefresh       = "/api/auth/refresh"
	PathProfile       = "/api/auth/profile"
	PathUnreadCount   = "/api/admin/requests/unread-count"
	PathConversations = "/api/chat/conversations"
)

func RequestReadPath(requestID string) string {
	return "/api/admin/requests/" + url.PathEscape(requestID) + "/read"
}

func MessagesPath(peerID string) string {
	return "/api/chat/messages/" + url.PathEscape(peerID)
}

func MessageReadPath(messageID string) string {
	return "/api/chat/messages/" + url.PathEscape(messageID) + "/read"
}

const maxResponseBytes = 1 << 20

type Config struct {
	BaseURL string
	// Timeout 是每次调用的客户端超时，默认 10 秒。
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client 是无状态的 JSON over HTTP 客户端，不处理 401。
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("apiclient: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("apiclient: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(cfg.BaseURL, "/"), timeout: timeout, httpClient: hc}, nil
}

// Request 描述一次调用；Token 为空时不带 Authorization 头。
type Request struct {
	Method string
	Path   string
	Token  string
	Body   any
}

// Do 发送请求并把 2xx 响应体解码到 out（out 可为 nil）。
// 非 2xx 返回 *APIError；超过客户端超时返回 ErrTimeout。
func (c *Client) Do(ctx context.Context, r Request, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return fmt.Errorf("apiclient: encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(callCtx, r.Method, c.baseURL+r.Path, body)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s %s", ErrTimeout, r.Method, r.Path)
		}
		return fmt.Errorf("apiclient: %s %s: %w", r.Method, r.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s %s", ErrTimeout, r.Method, r.Path)
		}
		return fmt.Errorf("apiclient: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Method: r.Method, Path: r.Path}
		var eb struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &eb) == nil {
			apiErr.Message = eb.Error
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("apiclient: decode %s %s: %w", r.Method, r.Path, err)
	}
	return nil
}
