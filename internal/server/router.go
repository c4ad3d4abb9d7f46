// Package server exposes the resume endpoints, run inspection and queue
// metrics over HTTP.
package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/petrijr/flowrun/internal/logger"
)

type RouterConfig struct {
	ResumeHandler  *ResumeHandler
	RunHandler     *RunHandler
	MetricsHandler *MetricsHandler

	Logger *logger.Logger
	// ServiceName names the otelgin spans' server.
	ServiceName string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	service := cfg.ServiceName
	if service == "" {
		service = "flowrund"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(service))
	r.Use(requestLogger(log.With("component", "http")))

	r.GET("/healthz", health)

	v1 := r.Group("/v1")
	{
		if h := cfg.ResumeHandler; h != nil {
			for _, method := range []string{"GET", "POST"} {
				v1.Handle(method, "/resume/:token", h.Resume)
				v1.Handle(method, "/resume/:token/sync", h.ResumeSync)
				v1.Handle(method, "/resume/:token/test", h.ResumeTest)
			}
		}

		if h := cfg.RunHandler; h != nil {
			v1.POST("/flow-runs", h.Start)
			v1.GET("/flow-runs", h.List)
			v1.GET("/flow-runs/:id", h.Get)
			v1.POST("/flow-runs/:id/stop", h.Stop)
		}

		if h := cfg.MetricsHandler; h != nil {
			v1.GET("/queue-metrics", h.QueueMetrics)
			v1.GET("/worker-metrics", h.WorkerMetrics)
		}
	}
	return r
}

// requestLogger logs the route pattern rather than the raw path, so resume
// tokens never reach the log.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		kv := []interface{}{
			"method", c.Request.Method,
			"route", route,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		}
		if len(c.Errors) > 0 {
			kv = append(kv, "error", c.Errors.String())
		}
		if c.Writer.Status() >= 500 {
			log.Error("http request", kv...)
			return
		}
		log.Debug("http request", kv...)
	}
}
