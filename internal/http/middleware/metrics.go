package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// unmatchedRoute labels requests no route matched, so scanners cannot grow
// the label space.
const unmatchedRoute = "unmatched"

var sizeBuckets = prometheus.ExponentialBuckets(256, 4, 8) // 256B .. 4MiB

var (
	httpReqs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	httpLat = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chat",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency, websocket sessions excluded.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	httpRespSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chat",
		Subsystem: "http",
		Name:      "response_size_bytes",
		Help:      "HTTP response body size, websocket sessions excluded.",
		Buckets:   sizeBuckets,
	}, []string{"method", "route"})

	httpInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Subsystem: "http",
		Name:      "requests_inflight",
		Help:      "In-flight HTTP requests, open websocket sessions included.",
	})
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpRespSize, httpInflight)
}

// Metrics records request counts, latency and response size per registered
// route. An upgraded websocket request is only counted: its duration is the
// session lifetime.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		upgrade := c.IsWebsocket()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		if upgrade {
			return
		}
		httpLat.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 { // -1 when nothing was written
			httpRespSize.WithLabelValues(method, route).Observe(float64(size))
		}
	}
}
