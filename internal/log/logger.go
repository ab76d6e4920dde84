package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 配置全局 zerolog：dev 环境输出彩色控制台格式，其余输出 JSON。
func Init(env string) {
	InitTo(os.Stdout, env)
}

// InitTo 与 Init 相同，但允许命令行客户端把日志写到 stderr，避免与交互输出混在一起。
func InitTo(w io.Writer, env string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	if env == "dev" {
		cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(cw).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// Component 返回带 component 字段的子 logger。
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
