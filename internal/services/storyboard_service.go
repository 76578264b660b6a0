// internal/services/storyboard_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/llm"
	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/Corphon/StoryboardMCP/internal/storage"
	"github.com/Corphon/StoryboardMCP/internal/utils"
	"github.com/google/uuid"
)

const (
	// sessionKeyPrefix 会话持久化键的命名空间
	sessionKeyPrefix = "storyboard_"

	// scriptPromptLimit 嵌入提示词的剧本最大字符数（rune计），超出截断
	scriptPromptLimit = 8000

	// scriptTruncationMarker 截断标记，提示模型剧本不完整
	scriptTruncationMarker = "\n\n...[SCRIPT TRUNCATED FOR LENGTH]..."

	// fallbackRawLimit 回退记录中保留的原始响应最大字符数
	fallbackRawLimit = 200

	// sessionSaveDebounce 会话持久化的防抖窗口
	// 同一文件的连续修改合并为一次写入，进程退出前需调用FlushSession
	sessionSaveDebounce = 500 * time.Millisecond

	// interImageDelay 连续图像生成之间的间隔，规避提供商限流
	interImageDelay = time.Second
)

// ReferenceLookup 用户上传参考图的只读查询接口
// 由ReferenceService实现，注入nil时阶段3不附带上传参考
type ReferenceLookup interface {
	GetCharacterReference(name string) (*models.ReferenceUpload, bool)
}

// StoryboardService 四阶段故事板向导的状态机
// 阶段递进由会话内已有数据推导（models.StoryboardSession.CurrentStep），
// 不单独持久化游标字段；阶段输出落盘采用防抖写入
type StoryboardService struct {
	backend  storage.Backend
	llm      *LLMService
	cache    *AnalysisCacheService
	progress *ProgressService
	refs     ReferenceLookup

	mu       sync.Mutex
	sessions map[string]*models.StoryboardSession

	saveMu     sync.Mutex
	saveTimers map[string]*time.Timer

	// 测试中可缩短
	imageDelay time.Duration
}

// NewStoryboardService 创建故事板服务
func NewStoryboardService(backend storage.Backend, llmService *LLMService, cacheService *AnalysisCacheService, progressService *ProgressService, refs ReferenceLookup) *StoryboardService {
	return &StoryboardService{
		backend:    backend,
		llm:        llmService,
		cache:      cacheService,
		progress:   progressService,
		refs:       refs,
		sessions:   make(map[string]*models.StoryboardSession),
		saveTimers: make(map[string]*time.Timer),
		imageDelay: interImageDelay,
	}
}

func sessionKey(fileName string) string {
	return sessionKeyPrefix + fileName
}

// GetSession 加载或创建指定剧本的向导会话
// adoptAnalysis为true且会话尚无阶段1数据时，尝试采用分析缓存中
// 已有的角色/场景结果作为阶段1输出，避免重复调用模型
func (s *StoryboardService) GetSession(fileName, scriptText string, adoptAnalysis bool) (*models.StoryboardSession, error) {
	if fileName == "" {
		return nil, apperrors.NewValidationError("文件名不能为空", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.loadSessionLocked(fileName)
	if err != nil {
		return nil, err
	}

	if scriptText != "" {
		session.ScriptText = scriptText
	}

	if adoptAnalysis && session.CharacterAnalysis == nil && session.ScriptText != "" {
		s.adoptCachedAnalysisLocked(session)
	}

	s.scheduleSave(fileName)
	return snapshotSession(session), nil
}

// loadSessionLocked 取内存会话，未命中时读后端，仍未命中时新建
func (s *StoryboardService) loadSessionLocked(fileName string) (*models.StoryboardSession, error) {
	if session, ok := s.sessions[fileName]; ok {
		return session, nil
	}

	data, err := s.backend.Get(sessionKey(fileName))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewStorageError("读取故事板会话失败", err)
		}
		session := &models.StoryboardSession{
			FileName:  fileName,
			UpdatedAt: time.Now().UTC(),
		}
		s.sessions[fileName] = session
		return session, nil
	}

	var session models.StoryboardSession
	if err := json.Unmarshal(data, &session); err != nil {
		// 持久化数据损坏时从头开始，而不是让向导不可用
		utils.GetLogger().Warn("故事板会话JSON损坏，重新创建", map[string]interface{}{
			"fileName": fileName,
			"error":    err.Error(),
		})
		session = models.StoryboardSession{FileName: fileName, UpdatedAt: time.Now().UTC()}
	}
	session.FileName = fileName

	s.sessions[fileName] = &session
	return &session, nil
}

// adoptCachedAnalysisLocked 从分析缓存预填阶段1输出
func (s *StoryboardService) adoptCachedAnalysisLocked(session *models.StoryboardSession) {
	if s.cache == nil {
		return
	}

	raw, err := s.cache.Load(session.ScriptText, session.FileName)
	if err != nil || raw == nil {
		// 内容哈希未命中时退回模糊文件名匹配
		match, _ := s.cache.FindByFileName(session.FileName, DefaultSimilarityThreshold)
		if match == nil {
			return
		}
		raw = match.Record.AnalysisData
	}

	var parsed struct {
		Characters []models.CharacterProfile `json:"characters"`
		Locations  []models.LocationProfile  `json:"locations"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return
	}

	// 两者齐备才采用，只有一半不足以推进阶段游标
	if len(parsed.Characters) == 0 || len(parsed.Locations) == 0 {
		return
	}

	session.CharacterAnalysis = &models.CharacterAnalysis{Characters: parsed.Characters}
	session.LocationAnalysis = &models.LocationAnalysis{Locations: parsed.Locations}
	session.UpdatedAt = time.Now().UTC()

	utils.GetLogger().Info("已采用缓存的剧本分析作为阶段1输出", map[string]interface{}{
		"fileName":   session.FileName,
		"characters": len(parsed.Characters),
		"locations":  len(parsed.Locations),
	})
}

// DeleteSession 删除会话（内存与持久化）
func (s *StoryboardService) DeleteSession(fileName string) error {
	s.mu.Lock()
	delete(s.sessions, fileName)
	s.mu.Unlock()

	s.saveMu.Lock()
	if timer, ok := s.saveTimers[fileName]; ok {
		timer.Stop()
		delete(s.saveTimers, fileName)
	}
	s.saveMu.Unlock()

	if err := s.backend.Delete(sessionKey(fileName)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return apperrors.NewStorageError("删除故事板会话失败", err)
	}
	return nil
}

// scheduleSave 防抖调度会话持久化
func (s *StoryboardService) scheduleSave(fileName string) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if timer, ok := s.saveTimers[fileName]; ok {
		timer.Stop()
	}
	s.saveTimers[fileName] = time.AfterFunc(sessionSaveDebounce, func() {
		if err := s.FlushSession(fileName); err != nil {
			utils.GetLogger().Error("持久化故事板会话失败", map[string]interface{}{
				"fileName": fileName,
				"error":    err.Error(),
			})
		}
	})
}

// FlushSession 立即持久化会话，绕过防抖窗口（进程退出前调用）
func (s *StoryboardService) FlushSession(fileName string) error {
	s.mu.Lock()
	session, ok := s.sessions[fileName]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(session, "", "  ")
	s.mu.Unlock()

	if err != nil {
		return apperrors.NewStorageError("序列化故事板会话失败", err)
	}
	if err := s.backend.Put(sessionKey(fileName), data); err != nil {
		return apperrors.NewStorageError("写入故事板会话失败", err)
	}
	return nil
}

// FlushAll 持久化所有内存会话
func (s *StoryboardService) FlushAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := s.FlushSession(name); err != nil {
			utils.GetLogger().Error("退出前持久化会话失败", map[string]interface{}{
				"fileName": name, "error": err.Error(),
			})
		}
	}
}

// ensureStage 阶段门禁：前置数据未齐备时拒绝执行
// 阶段3（参考图）可跳过，因此阶段4只要求阶段2完成
func ensureStage(session *models.StoryboardSession, stage int) error {
	current := session.CurrentStep()

	var required int
	switch stage {
	case models.StageCharacterLocation:
		return nil
	case models.StageStyle:
		required = models.StageStyle
	case models.StageReferences, models.StageFinal:
		required = models.StageReferences
	default:
		return apperrors.NewValidationError(fmt.Sprintf("未知阶段: %d", stage), nil)
	}

	if current < required {
		return apperrors.NewValidationError(
			fmt.Sprintf("阶段%d的前置数据未完成，当前进度为阶段%d", stage, current), nil)
	}
	return nil
}

// scriptExcerpt 截断超长剧本并附加截断标记
func scriptExcerpt(scriptText string) string {
	runes := []rune(scriptText)
	if len(runes) <= scriptPromptLimit {
		return scriptText
	}
	return string(runes[:scriptPromptLimit]) + scriptTruncationMarker
}

// runStructuredStage 执行一次阶段LLM调用：生成→清洗→schema校验→解析
// 校验或解析失败不是错误：返回警告与原始响应摘录，由调用方替换回退记录
func (s *StoryboardService) runStructuredStage(ctx context.Context, schema *StageSchema, systemPrompt, prompt string, out interface{}) (warning, rawExcerpt string, err error) {
	fullSystem := systemPrompt +
		"\n\nRespond with valid JSON only, matching this schema:\n" + schema.PromptSchema()

	text, err := s.llm.CompleteText(ctx, fullSystem, prompt)
	if err != nil {
		if apperrors.IsCancelled(err) {
			return "", "", apperrors.NewCancelledError("阶段执行已取消", err)
		}
		return "", "", err
	}

	cleaned := cleanJSONString(text)
	excerpt := truncateText(cleaned, fallbackRawLimit)

	if vErr := schema.Validate([]byte(cleaned)); vErr != nil {
		return vErr.Error(), excerpt, nil
	}
	if uErr := json.Unmarshal([]byte(cleaned), out); uErr != nil {
		return fmt.Sprintf("%s: 解析响应失败: %v", schema.name, uErr), excerpt, nil
	}
	return "", "", nil
}

// setStageWarning 记录阶段警告，空字符串表示清除
func setStageWarning(session *models.StoryboardSession, stage int, warning string) {
	if warning == "" {
		delete(session.StageWarnings, stage)
		return
	}
	if session.StageWarnings == nil {
		session.StageWarnings = make(map[int]string)
	}
	session.StageWarnings[stage] = warning
}

// RunCharacterLocationStage 阶段1：角色与场景分析
// 两次独立的结构化调用，角色完成后检查取消信号——取消发生在两次
// 调用之间时已完成的角色分析保留在会话中
func (s *StoryboardService) RunCharacterLocationStage(ctx context.Context, fileName, scriptText string) (*models.StoryboardSession, error) {
	session, err := s.beginStage(fileName, scriptText, models.StageCharacterLocation)
	if err != nil {
		return nil, err
	}

	excerpt := scriptExcerpt(session.ScriptText)

	var warnings []string

	// 角色分析
	var characters models.CharacterAnalysis
	warning, raw, err := s.runStructuredStage(ctx, characterSchema,
		"You are a film production analyst. Identify every significant character in the screenplay and describe their visual appearance for storyboard artists.",
		"Analyze the characters in this screenplay:\n\n"+excerpt,
		&characters)
	if err != nil {
		return nil, err
	}
	if warning != "" {
		warnings = append(warnings, warning)
		characters = models.CharacterAnalysis{Characters: []models.CharacterProfile{{
			Name:                "未识别角色",
			PhysicalDescription: raw,
		}}}
	}

	s.mutateSession(fileName, func(sess *models.StoryboardSession) {
		sess.CharacterAnalysis = &characters
	})

	// 两次调用之间的取消检查点
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewCancelledError("阶段1在场景分析前被取消", err)
	}

	// 场景分析
	var locations models.LocationAnalysis
	warning, raw, err = s.runStructuredStage(ctx, locationSchema,
		"You are a film production analyst. Identify every distinct location in the screenplay and describe its look, atmosphere and time of day.",
		"Analyze the locations in this screenplay:\n\n"+excerpt,
		&locations)
	if err != nil {
		return nil, err
	}
	if warning != "" {
		warnings = append(warnings, warning)
		locations = models.LocationAnalysis{Locations: []models.LocationProfile{{
			Name:        "未识别场景",
			Description: raw,
		}}}
	}

	return s.finishStage(fileName, models.StageCharacterLocation, warnings, func(sess *models.StoryboardSession) {
		sess.LocationAnalysis = &locations
	})
}

// RunStyleStage 阶段2：视觉风格、色彩方案与视觉语言（单次调用三部分输出）
func (s *StoryboardService) RunStyleStage(ctx context.Context, fileName string) (*models.StoryboardSession, error) {
	session, err := s.beginStage(fileName, "", models.StageStyle)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(
		"Based on this screenplay and its character/location analysis, propose a unified visual style.\n\nScreenplay:\n%s\n\nCharacters:\n%s\n\nLocations:\n%s",
		scriptExcerpt(session.ScriptText),
		describeCharacters(session.CharacterAnalysis),
		describeLocations(session.LocationAnalysis))

	var result models.StyleStageResult
	warning, raw, err := s.runStructuredStage(ctx, styleSchema,
		"You are a film art director. Define the visual style, color palette and visual language for a storyboard.",
		prompt, &result)
	if err != nil {
		return nil, err
	}

	var warnings []string
	if warning != "" {
		warnings = append(warnings, warning)
		result = models.StyleStageResult{Style: models.StyleAnalysis{Style: raw}}
	}

	return s.finishStage(fileName, models.StageStyle, warnings, func(sess *models.StoryboardSession) {
		sess.StyleAnalysis = &result.Style
		sess.ColorPalette = result.ColorPalette
		sess.VisualLanguage = result.VisualLanguage
	})
}

// personalityVisualCues 性格描述到画面线索的映射表
// 按子串匹配（小写化后），命中多个时全部附加
var personalityVisualCues = []struct {
	keyword string
	cue     string
}{
	{"brave", "confident upright posture, determined gaze"},
	{"勇敢", "confident upright posture, determined gaze"},
	{"shy", "slightly hunched shoulders, averted eyes"},
	{"羞涩", "slightly hunched shoulders, averted eyes"},
	{"cheerful", "warm open smile, relaxed body language"},
	{"开朗", "warm open smile, relaxed body language"},
	{"brooding", "shadowed expression, introspective stare"},
	{"忧郁", "shadowed expression, introspective stare"},
	{"cunning", "narrowed eyes, subtle asymmetric smirk"},
	{"狡猾", "narrowed eyes, subtle asymmetric smirk"},
	{"gentle", "soft features, calm unhurried bearing"},
	{"温柔", "soft features, calm unhurried bearing"},
	{"cold", "rigid posture, distant unreadable expression"},
	{"冷漠", "rigid posture, distant unreadable expression"},
}

// visualCuesFor 从性格文本提取画面线索
func visualCuesFor(personality string) string {
	if personality == "" {
		return ""
	}
	lower := strings.ToLower(personality)
	var cues []string
	for _, entry := range personalityVisualCues {
		if strings.Contains(lower, entry.keyword) {
			cues = append(cues, entry.cue)
		}
	}
	return strings.Join(cues, ", ")
}

// characterPortraitPrompt 构建单个角色的参考图提示词
func characterPortraitPrompt(profile models.CharacterProfile, style *models.StyleAnalysis, palette *models.ColorPalette) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Character reference portrait of %s.", profile.Name)
	if profile.Age != "" {
		fmt.Fprintf(&b, " Age: %s.", profile.Age)
	}
	if profile.PhysicalDescription != "" {
		fmt.Fprintf(&b, " Appearance: %s.", profile.PhysicalDescription)
	}
	if profile.CostumeNotes != "" {
		fmt.Fprintf(&b, " Costume: %s.", profile.CostumeNotes)
	}
	if cues := visualCuesFor(profile.Personality); cues != "" {
		fmt.Fprintf(&b, " Expression and posture: %s.", cues)
	}
	appendStyleDirectives(&b, style, palette)
	b.WriteString(" Full body, neutral background, single character.")
	return b.String()
}

// locationReferencePrompt 构建单个场景的参考图提示词
func locationReferencePrompt(profile models.LocationProfile, style *models.StyleAnalysis, palette *models.ColorPalette) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Location reference illustration of %s.", profile.Name)
	if profile.Description != "" {
		fmt.Fprintf(&b, " %s.", profile.Description)
	}
	if profile.Atmosphere != "" {
		fmt.Fprintf(&b, " Atmosphere: %s.", profile.Atmosphere)
	}
	if profile.TimeOfDay != "" {
		fmt.Fprintf(&b, " Time of day: %s.", profile.TimeOfDay)
	}
	appendStyleDirectives(&b, style, palette)
	b.WriteString(" Wide establishing shot, no characters.")
	return b.String()
}

func appendStyleDirectives(b *strings.Builder, style *models.StyleAnalysis, palette *models.ColorPalette) {
	if style != nil && style.Style != "" {
		fmt.Fprintf(b, " Visual style: %s.", style.Style)
	}
	if style != nil && style.LightingNotes != "" {
		fmt.Fprintf(b, " Lighting: %s.", style.LightingNotes)
	}
	if palette != nil && len(palette.Dominant) > 0 {
		fmt.Fprintf(b, " Dominant colors: %s.", strings.Join(palette.Dominant, ", "))
	}
}

// RunReferenceStage 阶段3：逐个生成角色与场景参考图
// 串行生成并在每次迭代开头检查取消信号；单张失败记入警告后继续，
// 已生成的参考图保留。用户上传过参考的角色附带上传图引导生成
func (s *StoryboardService) RunReferenceStage(ctx context.Context, fileName string, tracker *ProgressTracker) (*models.StoryboardSession, error) {
	session, err := s.beginStage(fileName, "", models.StageReferences)
	if err != nil {
		return nil, err
	}

	characters := sortedCharacters(session.CharacterAnalysis)
	locations := sortedLocations(session.LocationAnalysis)
	total := len(characters) + len(locations)
	if total == 0 {
		return nil, apperrors.NewValidationError("没有可生成参考图的角色或场景", nil)
	}

	var failures []string
	generated := 0

	for i, profile := range characters {
		if err := ctx.Err(); err != nil {
			s.recordReferenceWarnings(fileName, failures)
			return nil, apperrors.NewCancelledError(
				fmt.Sprintf("参考图生成已取消，已完成 %d/%d", generated, total), err)
		}

		reportProgress(tracker, i*100/total, fmt.Sprintf("生成角色参考图: %s", profile.Name))

		req := llm.ImageRequest{
			Prompt: characterPortraitPrompt(profile, session.StyleAnalysis, session.ColorPalette),
		}
		if s.refs != nil {
			if upload, ok := s.refs.GetCharacterReference(profile.Name); ok {
				req.ReferenceImages = []llm.ImageReference{{
					Data:        upload.Data,
					MimeType:    upload.Type,
					Instruction: "Match the likeness of the person in this reference image.",
				}}
			}
		}

		resp, err := s.llm.GenerateImage(ctx, req)
		if err != nil {
			if apperrors.IsCancelled(err) {
				s.recordReferenceWarnings(fileName, failures)
				return nil, apperrors.NewCancelledError(
					fmt.Sprintf("参考图生成已取消，已完成 %d/%d", generated, total), err)
			}
			failures = append(failures, fmt.Sprintf("角色 %s: %v", profile.Name, err))
			continue
		}

		image := models.ReferenceImage{
			ID:        uuid.NewString(),
			Name:      profile.Name,
			Prompt:    req.Prompt,
			ImageData: resp.ImageData,
			MimeType:  resp.MimeType,
			Cost:      resp.Cost,
			CreatedAt: time.Now().UTC(),
		}
		name := profile.Name
		s.mutateSession(fileName, func(sess *models.StoryboardSession) {
			if sess.CharacterReferences == nil {
				sess.CharacterReferences = make(map[string]models.ReferenceImage)
			}
			sess.CharacterReferences[name] = image
		})
		generated++

		if i < len(characters)-1 || len(locations) > 0 {
			if err := s.sleepBetweenImages(ctx); err != nil {
				s.recordReferenceWarnings(fileName, failures)
				return nil, apperrors.NewCancelledError(
					fmt.Sprintf("参考图生成已取消，已完成 %d/%d", generated, total), err)
			}
		}
	}

	for i, profile := range locations {
		if err := ctx.Err(); err != nil {
			s.recordReferenceWarnings(fileName, failures)
			return nil, apperrors.NewCancelledError(
				fmt.Sprintf("参考图生成已取消，已完成 %d/%d", generated, total), err)
		}

		reportProgress(tracker, (len(characters)+i)*100/total, fmt.Sprintf("生成场景参考图: %s", profile.Name))

		req := llm.ImageRequest{
			Prompt: locationReferencePrompt(profile, session.StyleAnalysis, session.ColorPalette),
		}
		resp, err := s.llm.GenerateImage(ctx, req)
		if err != nil {
			if apperrors.IsCancelled(err) {
				s.recordReferenceWarnings(fileName, failures)
				return nil, apperrors.NewCancelledError(
					fmt.Sprintf("参考图生成已取消，已完成 %d/%d", generated, total), err)
			}
			failures = append(failures, fmt.Sprintf("场景 %s: %v", profile.Name, err))
			continue
		}

		image := models.ReferenceImage{
			ID:        uuid.NewString(),
			Name:      profile.Name,
			Prompt:    req.Prompt,
			ImageData: resp.ImageData,
			MimeType:  resp.MimeType,
			Cost:      resp.Cost,
			CreatedAt: time.Now().UTC(),
		}
		name := profile.Name
		s.mutateSession(fileName, func(sess *models.StoryboardSession) {
			if sess.LocationReferences == nil {
				sess.LocationReferences = make(map[string]models.ReferenceImage)
			}
			sess.LocationReferences[name] = image
		})
		generated++

		if i < len(locations)-1 {
			if err := s.sleepBetweenImages(ctx); err != nil {
				s.recordReferenceWarnings(fileName, failures)
				return nil, apperrors.NewCancelledError(
					fmt.Sprintf("参考图生成已取消，已完成 %d/%d", generated, total), err)
			}
		}
	}

	return s.finishStage(fileName, models.StageReferences, failures, nil)
}

// RunFinalStage 阶段4：分镜规划 + 逐镜画面生成
// 规划失败时使用回退分镜（整个剧本作为单一镜头）；画面生成附带
// 已生成的角色参考图以保持形象一致
func (s *StoryboardService) RunFinalStage(ctx context.Context, fileName string, tracker *ProgressTracker) (*models.StoryboardSession, error) {
	session, err := s.beginStage(fileName, "", models.StageFinal)
	if err != nil {
		return nil, err
	}

	reportProgress(tracker, 0, "规划分镜中...")

	prompt := fmt.Sprintf(
		"Break this screenplay into storyboard frames. For each frame give a scene heading, a one-sentence description and an image generation prompt consistent with the established style.\n\nScreenplay:\n%s\n\nVisual style:\n%s",
		scriptExcerpt(session.ScriptText),
		describeStyle(session.StyleAnalysis, session.ColorPalette))

	var breakdown models.SceneBreakdown
	warning, raw, err := s.runStructuredStage(ctx, breakdownSchema,
		"You are a storyboard supervisor. Plan the storyboard frames for this screenplay.",
		prompt, &breakdown)
	if err != nil {
		return nil, err
	}

	var warnings []string
	if warning != "" || len(breakdown.Scenes) == 0 {
		if warning != "" {
			warnings = append(warnings, warning)
		}
		breakdown = models.SceneBreakdown{Scenes: []models.ScenePlan{{
			SceneID:     "scene_1",
			Description: raw,
			ImagePrompt: "Single storyboard frame summarizing the screenplay. " + describeStyle(session.StyleAnalysis, session.ColorPalette),
		}}}
	}

	characterRefs := collectCharacterReferences(session, 3)
	total := len(breakdown.Scenes)
	generated := 0

	for i, plan := range breakdown.Scenes {
		if err := ctx.Err(); err != nil {
			s.recordFinalWarnings(fileName, warnings)
			return nil, apperrors.NewCancelledError(
				fmt.Sprintf("故事板生成已取消，已完成 %d/%d 镜", generated, total), err)
		}

		reportProgress(tracker, 10+i*90/total, fmt.Sprintf("生成分镜 %s (%d/%d)", plan.SceneID, i+1, total))

		imagePrompt := plan.ImagePrompt
		if imagePrompt == "" {
			imagePrompt = plan.Description
		}

		frame := models.SceneFrame{
			SceneID:      plan.SceneID,
			SceneHeading: plan.SceneHeading,
			Description:  plan.Description,
			Prompt:       imagePrompt,
			Notes:        plan.Notes,
			CreatedAt:    time.Now().UTC(),
		}

		resp, err := s.llm.GenerateImage(ctx, llm.ImageRequest{
			Prompt:          imagePrompt,
			ReferenceImages: characterRefs,
		})
		if err != nil {
			if apperrors.IsCancelled(err) {
				s.recordFinalWarnings(fileName, warnings)
				return nil, apperrors.NewCancelledError(
					fmt.Sprintf("故事板生成已取消，已完成 %d/%d 镜", generated, total), err)
			}
			// 画面生成失败时保留纯文本分镜
			warnings = append(warnings, fmt.Sprintf("分镜 %s 画面生成失败: %v", plan.SceneID, err))
		} else {
			frame.ImageData = resp.ImageData
			frame.MimeType = resp.MimeType
		}

		sceneID := plan.SceneID
		s.mutateSession(fileName, func(sess *models.StoryboardSession) {
			if sess.FinalStoryboard == nil {
				sess.FinalStoryboard = make(map[string]models.SceneFrame)
			}
			sess.FinalStoryboard[sceneID] = frame
		})
		generated++

		if i < total-1 {
			if err := s.sleepBetweenImages(ctx); err != nil {
				s.recordFinalWarnings(fileName, warnings)
				return nil, apperrors.NewCancelledError(
					fmt.Sprintf("故事板生成已取消，已完成 %d/%d 镜", generated, total), err)
			}
		}
	}

	return s.finishStage(fileName, models.StageFinal, warnings, nil)
}

// beginStage 加载会话并执行阶段门禁，返回会话快照
func (s *StoryboardService) beginStage(fileName, scriptText string, stage int) (*models.StoryboardSession, error) {
	if !s.llm.IsReady() {
		return nil, apperrors.NewConfigurationError(
			fmt.Sprintf("LLM服务未就绪: %s", s.llm.GetReadyState()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.loadSessionLocked(fileName)
	if err != nil {
		return nil, err
	}
	if scriptText != "" {
		session.ScriptText = scriptText
	}
	if stage == models.StageCharacterLocation && session.ScriptText == "" {
		return nil, apperrors.NewValidationError("剧本文本不能为空", nil)
	}

	if err := ensureStage(session, stage); err != nil {
		return nil, err
	}

	return snapshotSession(session), nil
}

// mutateSession 在锁内修改会话并调度防抖保存
func (s *StoryboardService) mutateSession(fileName string, fn func(*models.StoryboardSession)) {
	s.mu.Lock()
	session, ok := s.sessions[fileName]
	if ok {
		fn(session)
		session.UpdatedAt = time.Now().UTC()
	}
	s.mu.Unlock()

	if ok {
		s.scheduleSave(fileName)
	}
}

// finishStage 应用最终修改、记录警告并返回会话快照
func (s *StoryboardService) finishStage(fileName string, stage int, warnings []string, fn func(*models.StoryboardSession)) (*models.StoryboardSession, error) {
	var snapshot *models.StoryboardSession
	s.mutateSession(fileName, func(sess *models.StoryboardSession) {
		if fn != nil {
			fn(sess)
		}
		setStageWarning(sess, stage, strings.Join(warnings, "; "))
		snapshot = snapshotSession(sess)
	})
	if snapshot == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("故事板会话不存在: %s", fileName), nil)
	}
	return snapshot, nil
}

func (s *StoryboardService) recordReferenceWarnings(fileName string, failures []string) {
	if len(failures) == 0 {
		return
	}
	s.mutateSession(fileName, func(sess *models.StoryboardSession) {
		setStageWarning(sess, models.StageReferences, strings.Join(failures, "; "))
	})
}

func (s *StoryboardService) recordFinalWarnings(fileName string, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	s.mutateSession(fileName, func(sess *models.StoryboardSession) {
		setStageWarning(sess, models.StageFinal, strings.Join(warnings, "; "))
	})
}

// sleepBetweenImages 图像调用之间的限流间隔，可被取消打断
func (s *StoryboardService) sleepBetweenImages(ctx context.Context) error {
	select {
	case <-time.After(s.imageDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func reportProgress(tracker *ProgressTracker, progress int, message string) {
	if tracker != nil {
		tracker.UpdateProgress(progress, message)
	}
}

// snapshotSession 返回会话的拷贝供调用方在锁外读取
// map字段单独复制：阶段协程仍在写入活动会话时，API层可能正在序列化
// 快照，共享map会触发并发读写。调用方必须持有s.mu
func snapshotSession(session *models.StoryboardSession) *models.StoryboardSession {
	copied := *session
	copied.CharacterReferences = copyImageMap(session.CharacterReferences)
	copied.LocationReferences = copyImageMap(session.LocationReferences)
	if session.FinalStoryboard != nil {
		frames := make(map[string]models.SceneFrame, len(session.FinalStoryboard))
		for id, frame := range session.FinalStoryboard {
			frames[id] = frame
		}
		copied.FinalStoryboard = frames
	}
	if session.StageWarnings != nil {
		warnings := make(map[int]string, len(session.StageWarnings))
		for stage, warning := range session.StageWarnings {
			warnings[stage] = warning
		}
		copied.StageWarnings = warnings
	}
	return &copied
}

func copyImageMap(src map[string]models.ReferenceImage) map[string]models.ReferenceImage {
	if src == nil {
		return nil
	}
	dst := make(map[string]models.ReferenceImage, len(src))
	for name, image := range src {
		dst[name] = image
	}
	return dst
}

// sortedCharacters 名称排序保证生成顺序确定
func sortedCharacters(analysis *models.CharacterAnalysis) []models.CharacterProfile {
	if analysis == nil {
		return nil
	}
	characters := make([]models.CharacterProfile, len(analysis.Characters))
	copy(characters, analysis.Characters)
	sort.Slice(characters, func(i, j int) bool { return characters[i].Name < characters[j].Name })
	return characters
}

func sortedLocations(analysis *models.LocationAnalysis) []models.LocationProfile {
	if analysis == nil {
		return nil
	}
	locations := make([]models.LocationProfile, len(analysis.Locations))
	copy(locations, analysis.Locations)
	sort.Slice(locations, func(i, j int) bool { return locations[i].Name < locations[j].Name })
	return locations
}

// collectCharacterReferences 收集至多max张角色参考图用于最终分镜
func collectCharacterReferences(session *models.StoryboardSession, max int) []llm.ImageReference {
	if len(session.CharacterReferences) == 0 {
		return nil
	}
	names := make([]string, 0, len(session.CharacterReferences))
	for name := range session.CharacterReferences {
		names = append(names, name)
	}
	sort.Strings(names)

	refs := make([]llm.ImageReference, 0, max)
	for _, name := range names {
		if len(refs) >= max {
			break
		}
		image := session.CharacterReferences[name]
		refs = append(refs, llm.ImageReference{
			Data:        image.ImageData,
			MimeType:    image.MimeType,
			Instruction: fmt.Sprintf("Keep the character %s visually consistent with this reference.", name),
		})
	}
	return refs
}

// describeCharacters 将角色分析压缩为提示词片段
func describeCharacters(analysis *models.CharacterAnalysis) string {
	if analysis == nil || len(analysis.Characters) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, c := range analysis.Characters {
		fmt.Fprintf(&b, "- %s", c.Name)
		if c.Role != "" {
			fmt.Fprintf(&b, " (%s)", c.Role)
		}
		if c.PhysicalDescription != "" {
			fmt.Fprintf(&b, ": %s", c.PhysicalDescription)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func describeLocations(analysis *models.LocationAnalysis) string {
	if analysis == nil || len(analysis.Locations) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, l := range analysis.Locations {
		fmt.Fprintf(&b, "- %s", l.Name)
		if l.Description != "" {
			fmt.Fprintf(&b, ": %s", l.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func describeStyle(style *models.StyleAnalysis, palette *models.ColorPalette) string {
	var b strings.Builder
	appendStyleDirectives(&b, style, palette)
	if b.Len() == 0 {
		return "(no style defined)"
	}
	return strings.TrimSpace(b.String())
}
