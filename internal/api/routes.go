package api

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/irfndi/coin-rag/internal/api/handlers"
	"github.com/irfndi/coin-rag/internal/logging"
	"github.com/irfndi/coin-rag/internal/metrics"
	"github.com/irfndi/coin-rag/internal/middleware"
)

// RouterDeps carries everything the routes need.
type RouterDeps struct {
	ServiceName string
	Rag         *handlers.RagHandler
	Health      *handlers.HealthHandler
	Metrics     *metrics.MetricsCollector
	Logger      *logging.StandardLogger
}

// NewRouter builds the engine with recovery, tracing and request metrics installed.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(deps.ServiceName))
	router.Use(middleware.RequestTelemetry(deps.Metrics, deps.Logger))

	SetupRoutes(router, deps)
	return router
}

func SetupRoutes(router *gin.Engine, deps RouterDeps) {
	router.GET("/health", deps.Health.HealthCheck)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		rag := v1.Group("/rag")
		{
			rag.POST("/build", deps.Rag.BuildIndex)
			rag.GET("/top", deps.Rag.TopAssets)
			rag.GET("/explain/:coin", deps.Rag.ExplainAsset)
		}
	}
}
