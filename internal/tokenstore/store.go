package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Mohamedrebhi/videmaison/internal/config"
)

// 令牌在持久化存储中的固定键名。
const (
	KeyAccessToken  = "token"
	KeyRefreshToken = "refreshToken"
)

var ErrNotFound = errors.New("tokenstore: key not found")

// Store 是客户端的持久化键值存储，只由会话层读写。
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Open 按配置选择后端：sqlite（默认）、redis 或 memory。
func Open(ctx context.Context, cfg config.ClientConfig) (Store, error) {
	switch cfg.TokenStore {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg.TokenStorePath)
	case "redis":
		return OpenRedis(ctx, RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("tokenstore: unknown backend %q", cfg.TokenStore)
}

// Memory 是进程内实现，用于测试与不需要持久化的场景。
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemory() *Memory { return &Memory{m: make(map[string]string)} }

func (s *Memory) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *Memory) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *Memory) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.m, k)
	}
	return nil
}

func (s *Memory) Close() error { return nil }
