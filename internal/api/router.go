package api

import (
	"time"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/monitoring"
	"agent-orchestrator/internal/tracing"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func NewRouter(
	handler *Handler,
	cfg config.APIConfig,
	metrics *monitoring.Metrics,
	tracingManager *tracing.TracingManager,
	logger *zap.Logger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(gin.Recovery())

	if cfg.EnableSecurityHeaders {
		router.Use(secure.New(secure.Config{
			BrowserXssFilter:      true,
			ContentTypeNosniff:    true,
			FrameDeny:             true,
			ContentSecurityPolicy: "default-src 'self'",
			ReferrerPolicy:        "strict-origin-when-cross-origin",
		}))
	}

	if cfg.CORSEnabled {
		origins := cfg.CORSAllowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		corsConfig := cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     []string{"GET", "POST", "HEAD", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "X-Correlation-ID"},
			ExposeHeaders:    []string{"Content-Length", "X-Correlation-ID", "X-Trace-ID"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}
		router.Use(cors.New(corsConfig))
	}

	if tracingManager != nil {
		router.Use(tracingManager.TracingMiddleware())
	}

	router.Use(MetricsMiddleware(metrics))
	router.Use(GinLogger(logger))

	api := router.Group("/api/v1")
	{
		api.GET("/status", handler.GetStatus)
		api.GET("/roles", handler.GetRoles)
		api.GET("/queue/stats", handler.GetQueueStats)
		api.POST("/messages", handler.SubmitMessage)
		api.GET("/messages", handler.ListMessages)
		api.GET("/messages/:id", handler.GetMessage)
		api.GET("/events", handler.GetEvents)

		if cfg.EnableShutdown {
			api.POST("/shutdown", handler.TriggerShutdown)
		}
	}

	router.GET("/health", handler.HealthCheck)
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	return router
}

func GinLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		logger.Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
