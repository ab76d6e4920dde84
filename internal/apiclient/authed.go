package apiclient

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Credentials 由会话层实现：提供当前 access token，并在 401 时负责刷新。
// Refresh 失败时由实现方负责登出。
type Credentials interface {
	AccessToken() string
	Refresh(ctx context.Context) bool
}

// Doer 是通知与聊天引擎依赖的最小调用接口。
type Doer interface {
	Do(ctx context.Context, method, path string, body, out any) error
}

// Authed 在 Client 之上附加 Bearer 头，并在 401 时刷新一次、重试一次。
type Authed struct {
	raw    *Client
	creds  Credentials
	logger zerolog.Logger
}

func NewAuthed(raw *Client, creds Credentials) *Authed {
	return &Authed{raw: raw, creds: creds, logger: log.Logger.With().Str("component", "apiclient").Logger()}
}

func (a *Authed) Do(ctx context.Context, method, path string, body, out any) error {
	req := Request{Method: method, Path: path, Token: a.creds.AccessToken(), Body: body}
	err := a.raw.Do(ctx, req, out)
	if IsUnauthorized(err) {
		// 令牌已被其他调用刷新过时直接重试，不再发起刷新。
		if current := a.creds.AccessToken(); current == "" || current == req.Token {
			if !a.creds.Refresh(ctx) {
				a.logger.Warn().Str("method", method).Str("path", path).Msg("refresh failed after 401")
				return err
			}
		}
		req.Token = a.creds.AccessToken()
		err = a.raw.Do(ctx, req, out)
	}
	if IsServer(err) {
		a.logger.Error().Err(err).Str("method", method).Str("path", path).Msg("server error")
	}
	return err
}
