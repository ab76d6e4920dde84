package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// 服务端指标。
var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "videmaison_ws_connections",
		Help: "Current number of active realtime connections",
	})
	WsEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "videmaison_ws_events_total",
		Help: "Total number of realtime events emitted, by event name",
	}, []string{"event"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// 客户端实时通道指标。
var (
	ClientRealtimeState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "client_realtime_state",
		Help: "Realtime channel state (0 closed, 1 connecting, 2 open, 3 reconnecting, 4 error)",
	})
	ClientRealtimeReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "client_realtime_reconnects_total",
		Help: "Total number of realtime reconnect attempts",
	})
	ClientRealtimeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "client_realtime_events_total",
		Help: "Total number of inbound realtime events, by event name",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(WsConnections, WsEventsTotal, HttpRequestsTotal, HttpRequestDuration,
		ClientRealtimeState, ClientRealtimeReconnects, ClientRealtimeEvents)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
