// internal/api/router.go
package api

import (
	"fmt"
	"net/http"

	"github.com/Corphon/StoryboardMCP/internal/config"
	"github.com/Corphon/StoryboardMCP/internal/di"
	"github.com/Corphon/StoryboardMCP/internal/services"
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置HTTP路由
// 只从容器获取服务，不创建新实例
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()

	container := di.GetContainer()

	cacheService, ok := container.Get("analysis_cache").(*services.AnalysisCacheService)
	if !ok {
		return nil, fmt.Errorf("分析缓存服务未正确初始化")
	}

	storyboardService, ok := container.Get("storyboard").(*services.StoryboardService)
	if !ok {
		return nil, fmt.Errorf("故事板服务未正确初始化")
	}

	referenceService, ok := container.Get("reference").(*services.ReferenceService)
	if !ok {
		return nil, fmt.Errorf("参考图服务未正确初始化")
	}

	progressService, ok := container.Get("progress").(*services.ProgressService)
	if !ok {
		return nil, fmt.Errorf("进度服务未正确初始化")
	}

	configService, ok := container.Get("config").(*services.ConfigService)
	if !ok {
		return nil, fmt.Errorf("配置服务未正确初始化")
	}

	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		return nil, fmt.Errorf("LLM服务未正确初始化")
	}

	handler := NewHandler(
		cacheService,
		storyboardService,
		referenceService,
		progressService,
		configService,
		llmService,
	)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	// 启用CORS
	r.Use(corsMiddleware())

	// 健康检查
	r.GET("/health", handler.HealthCheck)

	// WebSocket 进度推送
	r.GET("/ws/progress/:taskId", handler.ProgressWebSocket)

	// ===============================
	// API路由
	// ===============================
	apiGroup := r.Group("/api")
	{
		// 分析缓存
		apiGroup.POST("/analysis", handler.SaveAnalysis)
		apiGroup.POST("/analysis/lookup", handler.LookupAnalysis)
		apiGroup.GET("/analysis/match", handler.MatchAnalysisByName)
		apiGroup.GET("/analysis", handler.ListAnalyses)
		apiGroup.GET("/analysis/:key", handler.GetAnalysis)
		apiGroup.DELETE("/analysis/:key", handler.DeleteAnalysis)
		apiGroup.DELETE("/analysis", handler.ClearAllAnalyses)
		apiGroup.POST("/analysis/cleanup", handler.CleanupAnalyses)

		// 故事板向导
		apiGroup.POST("/storyboard/session", handler.GetStoryboardSession)
		apiGroup.DELETE("/storyboard/session/:fileName", handler.DeleteStoryboardSession)
		apiGroup.POST("/storyboard/:fileName/stage/characters", handler.RunCharacterLocationStage)
		apiGroup.POST("/storyboard/:fileName/stage/style", handler.RunStyleStage)
		apiGroup.POST("/storyboard/:fileName/stage/references", handler.RunReferenceStage)
		apiGroup.POST("/storyboard/:fileName/stage/final", handler.RunFinalStage)

		// 任务管理
		apiGroup.GET("/tasks/:taskId", handler.GetTask)
		apiGroup.POST("/tasks/:taskId/cancel", handler.CancelTask)

		// 角色参考上传
		apiGroup.POST("/references", handler.UploadReference)
		apiGroup.GET("/references", handler.ListReferences)
		apiGroup.GET("/references/:name", handler.GetReference)
		apiGroup.DELETE("/references/:name", handler.DeleteReference)

		// 设置
		apiGroup.GET("/settings", handler.GetSettings)
		apiGroup.PUT("/settings/llm", handler.UpdateLLMSettings)
		apiGroup.POST("/settings/llm/test", handler.TestLLMConnection)
		apiGroup.GET("/llm/providers", handler.ListProviders)
		apiGroup.GET("/llm/models", handler.ListModels)
	}

	return r, nil
}

// corsMiddleware 跨域支持
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
