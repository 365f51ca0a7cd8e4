package handler

import (
	"net/http"
	"time"

	"subtask-stream/internal/config"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func NewRouter(cfg *config.Config, streamHandler *StreamHandler) *gin.Engine {
	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS配置
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	api := router.Group("/api")
	{
		subtasks := api.Group("/tasks/:task_id/subtasks")
		{
			subtasks.POST("", streamHandler.CreateSubtask)
			subtasks.GET("", streamHandler.ListSubtasks)
			subtasks.GET("/:subtask_id", streamHandler.GetSubtask)
			subtasks.DELETE("/:subtask_id", streamHandler.DeleteSubtask)
			subtasks.POST("/:subtask_id/chunks", streamHandler.PushChunk)
			subtasks.POST("/:subtask_id/fail", streamHandler.FailSubtask)
			subtasks.GET("/:subtask_id/stream", streamHandler.Stream)
		}
	}

	return router
}
