package api

import (
	"example.com/backstage/services/headset/config"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, cfg config.APIConfig, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(ErrorHandler())
	router.Use(CORS())

	// Health check (public)
	router.GET("/health", handlers.HealthCheck)

	v1 := router.Group("/api/v1")
	if cfg.RequestsPerMinute > 0 {
		v1.Use(RateLimiter(cfg.RequestsPerMinute))
	}
	if cfg.Token != "" {
		v1.Use(TokenAuthentication(cfg.Token))
	}

	headsets := v1.Group("/headsets")
	{
		headsets.GET("", handlers.ListHeadsets)
		headsets.GET("/:serial", handlers.GetHeadset)
		headsets.GET("/:serial/history", handlers.GetHeadsetHistory)
		headsets.POST("/:serial/tasks", handlers.SubmitTask)
	}

	library := v1.Group("/library")
	{
		library.GET("", handlers.ListLibrary)
		library.POST("/refresh", handlers.RefreshLibrary)
	}
}
