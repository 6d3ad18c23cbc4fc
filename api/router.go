package api

import (
	"github.com/gin-gonic/gin"

	"mediamill/config"
	"mediamill/events"
	"mediamill/sched"
)

func SetupRouter(s *sched.Scheduler, hub *events.Hub, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(s, hub, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "running": s.RunningCount()})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTask)
		v1.GET("/tasks/:taskId/progress", h.handleGetProgress)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)
		v1.PATCH("/tasks/:taskId/pause", h.handlePauseTask)
		v1.PATCH("/tasks/:taskId/resume", h.handleResumeTask)
		v1.PATCH("/tasks/:taskId/retry", h.handleRetryTask)

		v1.GET("/history", h.handleHistory)
		v1.GET("/events", h.handleEvents)

		// File download endpoint (does not need auth if URLs are unguessable)
		// but we put it here for consistency.
		v1.GET("/files/:filename", h.handleGetFile)
	}
	return r
}
