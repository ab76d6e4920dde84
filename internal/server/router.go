package server

import (
	"context"
	"net/http"
	"time"

	"github.com/Mohamedrebhi/videmaison/internal/auth"
	"github.com/Mohamedrebhi/videmaison/internal/config"
	"github.com/Mohamedrebhi/videmaison/internal/metrics"
	"github.com/Mohamedrebhi/videmaison/internal/mw"
	"github.com/Mohamedrebhi/videmaison/internal/service"
	"github.com/Mohamedrebhi/videmaison/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。ctx 结束时限速器的回收协程退出。
func SetupRouter(ctx context.Context, cfg config.Config, db *gorm.DB, hub *ws.Hub) *gin.Engine {
	h := NewHandler(
		service.NewUserService(db, cfg),
		service.NewRequestService(db, hub),
		service.NewChatService(db, hub),
	)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))
	// 控制单个 IP+路由的速率。
	r.Use(mw.RateLimit(ctx, rate.Every(time.Second/20), 40, mw.ByIPRoute))

	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok", "online": hub.Online()}
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "db unavailable"
		}
		c.JSON(status, body)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	// 登录注册单独限速，挡住口令爆破。
	authAPI := api.Group("/auth", mw.RateLimit(ctx, rate.Every(6*time.Second), 10, mw.ByIPRoute))
	authAPI.POST("/register", h.Register)
	authAPI.POST("/login", h.Login)
	authAPI.POST("/refresh", h.Refresh)
	authAPI.POST("/logout", h.Logout)

	requireAuth := auth.AuthMiddleware(cfg.JWTSecret, db)
	api.GET("/auth/profile", requireAuth, h.Profile)

	api.POST("/services/request", auth.OptionalAuth(cfg.JWTSecret, db), h.CreateServiceRequest)

	admin := api.Group("/admin", requireAuth, auth.RequireAdmin())
	admin.GET("/requests", h.ListRequests)
	admin.GET("/requests/unread-count", h.UnreadCount)
	admin.PUT("/requests/:id/read", h.MarkRequestRead)
	admin.PUT("/requests/:id/status", h.UpdateRequestStatus)

	chat := api.Group("/chat", requireAuth)
	chat.GET("/conversations", h.Conversations)
	chat.GET("/messages/:peerId", h.Messages)
	chat.POST("/messages/:peerId", mw.RateLimit(ctx, rate.Every(time.Second), 20, mw.ByUser), h.SendMessage)
	chat.PUT("/messages/:peerId/read", h.MarkMessageRead)

	r.GET("/ws", ws.Serve(hub, db, cfg.JWTSecret))
	return r
}
