// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/llm"
	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/Corphon/StoryboardMCP/internal/services"
	"github.com/Corphon/StoryboardMCP/internal/utils"
	"github.com/gin-gonic/gin"
)

// Handler API处理器，所有服务经依赖注入容器获取后传入
type Handler struct {
	Cache      *services.AnalysisCacheService
	Storyboard *services.StoryboardService
	References *services.ReferenceService
	Progress   *services.ProgressService
	Config     *services.ConfigService
	LLM        *services.LLMService
}

// NewHandler 创建API处理器
func NewHandler(
	cache *services.AnalysisCacheService,
	storyboard *services.StoryboardService,
	references *services.ReferenceService,
	progress *services.ProgressService,
	configService *services.ConfigService,
	llmService *services.LLMService,
) *Handler {
	return &Handler{
		Cache:      cache,
		Storyboard: storyboard,
		References: references,
		Progress:   progress,
		Config:     configService,
		LLM:        llmService,
	}
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	respondSuccess(c, gin.H{
		"status":    "ok",
		"llm_ready": h.LLM.IsReady(),
		"provider":  h.LLM.GetProviderName(),
	})
}

// ===============================
// 分析缓存
// ===============================

// SaveAnalysisRequest 保存分析结果的请求体
type SaveAnalysisRequest struct {
	ScriptText     string                `json:"scriptText" binding:"required"`
	FileName       string                `json:"fileName" binding:"required"`
	AnalysisData   json.RawMessage       `json:"analysisData" binding:"required"`
	ScriptMetadata models.ScriptMetadata `json:"scriptMetadata"`
}

// SaveAnalysis 保存分析结果到缓存
func (h *Handler) SaveAnalysis(c *gin.Context) {
	var req SaveAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	key, err := h.Cache.Save(req.ScriptText, req.FileName, req.AnalysisData, req.ScriptMetadata)
	if err != nil {
		respondError(c, err)
		return
	}

	respondSuccess(c, gin.H{"key": key}, "分析结果已缓存")
}

// LookupAnalysisRequest 按内容查找缓存的请求体
type LookupAnalysisRequest struct {
	ScriptText string `json:"scriptText" binding:"required"`
	FileName   string `json:"fileName" binding:"required"`
}

// LookupAnalysis 按剧本内容查找缓存，未命中时data为null
func (h *Handler) LookupAnalysis(c *gin.Context) {
	var req LookupAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	data, err := h.Cache.Load(req.ScriptText, req.FileName)
	if err != nil {
		respondError(c, err)
		return
	}

	respondSuccess(c, gin.H{
		"hit":          data != nil,
		"analysisData": data,
	})
}

// MatchAnalysisByName 精确未命中时的模糊文件名回退查找
func (h *Handler) MatchAnalysisByName(c *gin.Context) {
	fileName := c.Query("fileName")
	if fileName == "" {
		respondBadRequest(c, "缺少fileName参数")
		return
	}

	threshold := services.DefaultSimilarityThreshold
	match, err := h.Cache.FindByFileName(fileName, threshold)
	if err != nil {
		respondError(c, err)
		return
	}
	if match == nil {
		respondSuccess(c, gin.H{"hit": false})
		return
	}

	respondSuccess(c, gin.H{
		"hit":   true,
		"match": match,
	})
}

// ListAnalyses 枚举缓存的分析摘要
func (h *Handler) ListAnalyses(c *gin.Context) {
	respondSuccess(c, h.Cache.List())
}

// GetAnalysis 按键读取完整分析载荷
func (h *Handler) GetAnalysis(c *gin.Context) {
	key := c.Param("key")
	data, err := h.Cache.LoadByKey(key)
	if err != nil {
		respondError(c, err)
		return
	}
	if data == nil {
		respondError(c, apperrors.NewNotFoundError("分析记录不存在: "+key, nil))
		return
	}
	respondSuccess(c, gin.H{"analysisData": data})
}

// DeleteAnalysis 删除单条分析记录
func (h *Handler) DeleteAnalysis(c *gin.Context) {
	if err := h.Cache.DeleteAnalysis(c.Param("key")); err != nil {
		respondError(c, err)
		return
	}
	respondSuccess(c, nil, "分析记录已删除")
}

// ClearAllAnalyses 清空分析缓存
func (h *Handler) ClearAllAnalyses(c *gin.Context) {
	result, err := h.Cache.ClearAll()
	if err != nil {
		// 部分失败时同时返回计数与错误
		c.JSON(http.StatusInternalServerError, &APIResponse{
			Success:   false,
			Data:      result,
			Error:     &APIError{Code: "STORAGE_ERROR", Message: err.Error()},
			Timestamp: time.Now(),
		})
		return
	}
	respondSuccess(c, result, "缓存已清空")
}

// CleanupAnalyses 删除过期分析记录
func (h *Handler) CleanupAnalyses(c *gin.Context) {
	var req struct {
		MaxAgeDays int `json:"maxAgeDays"`
	}
	// 请求体可选，默认30天
	_ = c.ShouldBindJSON(&req)

	maxAge := time.Duration(req.MaxAgeDays) * 24 * time.Hour
	deleted, err := h.Cache.ClearOldAnalyses(maxAge)
	if err != nil {
		respondError(c, err)
		return
	}
	respondSuccess(c, gin.H{"deleted": deleted})
}

// ===============================
// 故事板向导
// ===============================

// SessionRequest 加载/创建会话的请求体
type SessionRequest struct {
	FileName      string `json:"fileName" binding:"required"`
	ScriptText    string `json:"scriptText"`
	AdoptAnalysis bool   `json:"adoptAnalysis"`
}

// GetStoryboardSession 加载或创建向导会话
func (h *Handler) GetStoryboardSession(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	session, err := h.Storyboard.GetSession(req.FileName, req.ScriptText, req.AdoptAnalysis)
	if err != nil {
		respondError(c, err)
		return
	}

	respondSuccess(c, gin.H{
		"session":     session,
		"currentStep": session.CurrentStep(),
	})
}

// DeleteStoryboardSession 删除向导会话
func (h *Handler) DeleteStoryboardSession(c *gin.Context) {
	fileName := c.Param("fileName")
	if err := h.Storyboard.DeleteSession(fileName); err != nil {
		respondError(c, err)
		return
	}
	respondSuccess(c, nil, "会话已删除")
}

// StageRequest 阶段执行请求体
type StageRequest struct {
	ScriptText string `json:"scriptText"`
}

// runStageAsync 异步执行阶段：创建任务与可取消context，立即返回任务ID
// 结果经会话查询获取，进度经 /ws/progress/:taskID 推送
func (h *Handler) runStageAsync(c *gin.Context, stageName string, run func(ctx context.Context, tracker *services.ProgressTracker) (*models.StoryboardSession, error)) {
	taskID := h.Progress.NewTaskID()
	tracker := h.Progress.CreateTracker(taskID)

	ctx, cancel := context.WithCancel(context.Background())
	tracker.BindCancel(cancel)

	go func() {
		defer cancel()

		session, err := run(ctx, tracker)
		if err != nil {
			if apperrors.IsCancelled(err) {
				// Cancel已更新tracker状态
				utils.GetLogger().Info("阶段已取消", map[string]interface{}{
					"stage": stageName, "taskId": taskID,
				})
				return
			}
			tracker.Fail(err.Error())
			return
		}
		tracker.Complete(stageName + " 完成")
		_ = session
	}()

	respondSuccess(c, gin.H{"taskId": taskID}, stageName+" 已开始")
}

// RunCharacterLocationStage 阶段1：角色与场景分析
func (h *Handler) RunCharacterLocationStage(c *gin.Context) {
	fileName := c.Param("fileName")
	var req StageRequest
	_ = c.ShouldBindJSON(&req)

	h.runStageAsync(c, "角色与场景分析", func(ctx context.Context, tracker *services.ProgressTracker) (*models.StoryboardSession, error) {
		tracker.UpdateProgress(5, "分析角色与场景中...")
		return h.Storyboard.RunCharacterLocationStage(ctx, fileName, req.ScriptText)
	})
}

// RunStyleStage 阶段2：视觉风格分析
func (h *Handler) RunStyleStage(c *gin.Context) {
	fileName := c.Param("fileName")
	h.runStageAsync(c, "视觉风格分析", func(ctx context.Context, tracker *services.ProgressTracker) (*models.StoryboardSession, error) {
		tracker.UpdateProgress(5, "分析视觉风格中...")
		return h.Storyboard.RunStyleStage(ctx, fileName)
	})
}

// RunReferenceStage 阶段3：参考图生成
func (h *Handler) RunReferenceStage(c *gin.Context) {
	fileName := c.Param("fileName")
	h.runStageAsync(c, "参考图生成", func(ctx context.Context, tracker *services.ProgressTracker) (*models.StoryboardSession, error) {
		return h.Storyboard.RunReferenceStage(ctx, fileName, tracker)
	})
}

// RunFinalStage 阶段4：最终故事板生成
func (h *Handler) RunFinalStage(c *gin.Context) {
	fileName := c.Param("fileName")
	h.runStageAsync(c, "故事板生成", func(ctx context.Context, tracker *services.ProgressTracker) (*models.StoryboardSession, error) {
		return h.Storyboard.RunFinalStage(ctx, fileName, tracker)
	})
}

// GetTask 查询任务状态
func (h *Handler) GetTask(c *gin.Context) {
	tracker, ok := h.Progress.GetTracker(c.Param("taskId"))
	if !ok {
		respondError(c, apperrors.NewNotFoundError("任务不存在", nil))
		return
	}
	respondSuccess(c, tracker.Snapshot())
}

// CancelTask 取消运行中的任务
func (h *Handler) CancelTask(c *gin.Context) {
	tracker, ok := h.Progress.GetTracker(c.Param("taskId"))
	if !ok {
		respondError(c, apperrors.NewNotFoundError("任务不存在", nil))
		return
	}
	tracker.Cancel()
	respondSuccess(c, nil, "已请求取消")
}

// ===============================
// 角色参考上传
// ===============================

// UploadReferenceRequest 上传参考图请求体
type UploadReferenceRequest struct {
	Name    string `json:"name" binding:"required"`
	DataURL string `json:"dataUrl" binding:"required"`
}

// UploadReference 上传角色参考图
func (h *Handler) UploadReference(c *gin.Context) {
	var req UploadReferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	upload, err := h.References.SaveReference(req.Name, req.DataURL)
	if err != nil {
		respondError(c, err)
		return
	}

	// 回传元信息即可，不回传图像本体
	upload.Data = ""
	respondSuccess(c, upload, "参考图已保存")
}

// ListReferences 枚举参考图
func (h *Handler) ListReferences(c *gin.Context) {
	uploads, err := h.References.ListReferences()
	if err != nil {
		respondError(c, err)
		return
	}
	respondSuccess(c, uploads)
}

// GetReference 读取单个参考图（含图像数据）
func (h *Handler) GetReference(c *gin.Context) {
	upload, ok := h.References.GetCharacterReference(c.Param("name"))
	if !ok {
		respondError(c, apperrors.NewNotFoundError("参考图不存在", nil))
		return
	}
	respondSuccess(c, upload)
}

// DeleteReference 删除参考图
func (h *Handler) DeleteReference(c *gin.Context) {
	if err := h.References.DeleteReference(c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	respondSuccess(c, nil, "参考图已删除")
}

// ===============================
// 设置与LLM管理
// ===============================

// GetSettings 获取当前设置
func (h *Handler) GetSettings(c *gin.Context) {
	respondSuccess(c, h.Config.GetSettings())
}

// UpdateLLMSettingsRequest 更新LLM配置请求体
type UpdateLLMSettingsRequest struct {
	Provider string            `json:"provider" binding:"required"`
	Config   map[string]string `json:"config"`
}

// UpdateLLMSettings 更新LLM提供商配置
func (h *Handler) UpdateLLMSettings(c *gin.Context) {
	var req UpdateLLMSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	if err := h.Config.UpdateLLMSettings(req.Provider, req.Config); err != nil {
		respondError(c, err)
		return
	}
	respondSuccess(c, h.Config.GetSettings(), "配置已更新")
}

// TestLLMConnection 测试LLM连接
func (h *Handler) TestLLMConnection(c *gin.Context) {
	var req UpdateLLMSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	if err := h.Config.TestConnection(c.Request.Context(), req.Provider, req.Config); err != nil {
		respondError(c, err)
		return
	}
	respondSuccess(c, nil, "连接测试成功")
}

// ListProviders 枚举已注册的LLM提供商
func (h *Handler) ListProviders(c *gin.Context) {
	respondSuccess(c, gin.H{"providers": llm.ListProviders()})
}

// ListModels 枚举指定提供商支持的模型
func (h *Handler) ListModels(c *gin.Context) {
	provider := c.Query("provider")
	if provider == "" {
		provider = h.LLM.GetProviderName()
	}
	respondSuccess(c, gin.H{
		"provider": provider,
		"models":   llm.GetSupportedModelsForProvider(provider),
	})
}
