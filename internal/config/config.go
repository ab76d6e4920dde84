package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	AdminEmail            string
	AdminPassword         string
	CORSOrigins           []string

	Client ClientConfig
}

// ClientConfig 是客户端核心（会话、实时通道、HTTP 客户端）所需的配置。
type ClientConfig struct {
	APIBaseURL        string
	WSURL             string
	HTTPTimeout       time.Duration
	TokenStore        string
	TokenStorePath    string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(getenv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(getenv(key, ""))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load 从环境变量读取配置，存在 .env 时先加载它（不覆盖已有变量）。
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=videmaison port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		Env:                   getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 60),
		RefreshTokenTTLDays:   getenvInt("REFRESH_TOKEN_TTL_DAYS", 30),
		AdminEmail:            getenv("ADMIN_EMAIL", ""),
		AdminPassword:         getenv("ADMIN_PASSWORD", ""),
		CORSOrigins:           splitList(getenv("CORS_ORIGINS", "")),
		Client:                LoadClient(),
	}
}

// LoadClient 只读取客户端相关的变量，命令行客户端单独使用。
func LoadClient() ClientConfig {
	base := getenv("API_BASE_URL", "http://localhost:8080")
	db, err := strconv.Atoi(getenv("REDIS_DB", "0"))
	if err != nil || db < 0 {
		db = 0
	}
	return ClientConfig{
		APIBaseURL:        base,
		WSURL:             getenv("WS_URL", WebSocketURL(base)),
		HTTPTimeout:       getenvDuration("HTTP_TIMEOUT", 10*time.Second),
		TokenStore:        getenv("TOKEN_STORE", "sqlite"),
		TokenStorePath:    getenv("TOKEN_STORE_PATH", "videmaison-tokens.db"),
		RedisAddr:         getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           db,
		ReconnectAttempts: getenvInt("RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    getenvDuration("RECONNECT_DELAY", time.Second),
	}
}

// WebSocketURL 由 API 地址推导实时通道地址：http→ws，https→wss，路径为 /ws。
func WebSocketURL(apiBase string) string {
	u, err := url.Parse(apiBase)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String()
}

func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	return nil
}

func ValidateClient(cfg ClientConfig) error {
	if cfg.APIBaseURL == "" {
		return errors.New("API_BASE_URL is required")
	}
	if cfg.WSURL == "" {
		return errors.New("WS_URL is required")
	}
	switch cfg.TokenStore {
	case "", "sqlite", "redis", "memory":
	default:
		return errors.New("TOKEN_STORE must be sqlite, redis or memory")
	}
	return nil
}
