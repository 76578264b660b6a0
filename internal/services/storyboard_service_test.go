// internal/services/storyboard_service_test.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/models"
)

func newTestStoryboard(provider *fakeProvider) (*StoryboardService, *memBackend) {
	backend := newMemBackend()
	llmService := NewLLMServiceWithProvider(provider)
	cacheService := NewAnalysisCacheService(backend)
	progressService := NewProgressService()
	svc := NewStoryboardService(backend, llmService, cacheService, progressService, nil)
	svc.imageDelay = 0
	return svc, backend
}

const (
	validCharactersJSON = `{"characters":[{"name":"Ada","physical_description":"tall, sharp eyes"},{"name":"Ben","personality":"cheerful"}]}`
	validLocationsJSON  = `{"locations":[{"name":"Warehouse","atmosphere":"tense"}]}`
	validStyleJSON      = `{"style":{"style":"film noir"},"color_palette":{"dominant":["black","amber"]},"visual_language":{"transition_style":"hard cuts"}}`
	validBreakdownJSON  = `{"scenes":[{"scene_id":"s1","scene_heading":"INT. WAREHOUSE","image_prompt":"Ada enters"},{"scene_id":"s2","image_prompt":"Ben follows"}]}`
)

func TestCurrentStepDerivation(t *testing.T) {
	session := &models.StoryboardSession{}
	if session.CurrentStep() != models.StageCharacterLocation {
		t.Errorf("空会话应处于阶段1，得到 %d", session.CurrentStep())
	}

	// 只有角色没有场景：仍在阶段1
	session.CharacterAnalysis = &models.CharacterAnalysis{}
	if session.CurrentStep() != models.StageCharacterLocation {
		t.Errorf("缺少场景分析时应仍处于阶段1，得到 %d", session.CurrentStep())
	}

	session.LocationAnalysis = &models.LocationAnalysis{}
	if session.CurrentStep() != models.StageStyle {
		t.Errorf("阶段1齐备后应处于阶段2，得到 %d", session.CurrentStep())
	}

	session.StyleAnalysis = &models.StyleAnalysis{}
	if session.CurrentStep() != models.StageReferences {
		t.Errorf("风格完成后应处于阶段3，得到 %d", session.CurrentStep())
	}

	// 跳过参考图直接生成故事板也推进到阶段4
	session.FinalStoryboard = map[string]models.SceneFrame{"s1": {}}
	if session.CurrentStep() != models.StageFinal {
		t.Errorf("有故事板后应处于阶段4，得到 %d", session.CurrentStep())
	}
}

func TestStageGating(t *testing.T) {
	svc, _ := newTestStoryboard(&fakeProvider{})

	// 阶段1未完成时阶段2被拒绝
	if _, err := svc.GetSession("gate.txt", "some script", false); err != nil {
		t.Fatal(err)
	}
	_, err := svc.RunStyleStage(context.Background(), "gate.txt")
	if err == nil {
		t.Fatal("前置数据未完成时阶段2应被拒绝")
	}
	if !apperrors.IsValidationError(err) {
		t.Errorf("期望验证错误，得到: %v", err)
	}

	// 阶段4同理
	if _, err := svc.RunFinalStage(context.Background(), "gate.txt", nil); err == nil {
		t.Fatal("前置数据未完成时阶段4应被拒绝")
	}
}

func TestRunCharacterLocationStage(t *testing.T) {
	provider := &fakeProvider{responses: []string{validCharactersJSON, validLocationsJSON}}
	svc, backend := newTestStoryboard(provider)

	session, err := svc.RunCharacterLocationStage(context.Background(), "ep1.txt", "INT. WAREHOUSE - NIGHT")
	if err != nil {
		t.Fatalf("阶段1失败: %v", err)
	}

	if session.CharacterAnalysis == nil || len(session.CharacterAnalysis.Characters) != 2 {
		t.Fatalf("角色分析不正确: %+v", session.CharacterAnalysis)
	}
	if session.LocationAnalysis == nil || len(session.LocationAnalysis.Locations) != 1 {
		t.Fatalf("场景分析不正确: %+v", session.LocationAnalysis)
	}
	if session.CurrentStep() != models.StageStyle {
		t.Errorf("阶段1完成后游标应为2，得到 %d", session.CurrentStep())
	}
	if len(session.StageWarnings) != 0 {
		t.Errorf("成功的阶段不应有警告: %v", session.StageWarnings)
	}

	// 防抖落盘
	if err := svc.FlushSession("ep1.txt"); err != nil {
		t.Fatalf("FlushSession失败: %v", err)
	}
	if _, err := backend.Get("storyboard_ep1.txt"); err != nil {
		t.Errorf("会话应按 storyboard_<fileName> 持久化: %v", err)
	}
}

func TestStageFallbackOnInvalidResponse(t *testing.T) {
	longNoise := "The script features " + strings.Repeat("x", 400)
	provider := &fakeProvider{responses: []string{longNoise, validLocationsJSON}}
	svc, _ := newTestStoryboard(provider)

	session, err := svc.RunCharacterLocationStage(context.Background(), "bad.txt", "script")
	if err != nil {
		t.Fatalf("校验失败应降级为回退记录而不是错误: %v", err)
	}

	// 回退记录：占位角色携带截断的原始响应
	if session.CharacterAnalysis == nil || len(session.CharacterAnalysis.Characters) != 1 {
		t.Fatalf("应有1条回退角色记录: %+v", session.CharacterAnalysis)
	}
	fallback := session.CharacterAnalysis.Characters[0]
	if fallback.Name != "未识别角色" {
		t.Errorf("回退记录名称不正确: %s", fallback.Name)
	}
	if len([]rune(fallback.PhysicalDescription)) > fallbackRawLimit {
		t.Errorf("原始响应摘录应截断到 %d 字符，得到 %d",
			fallbackRawLimit, len([]rune(fallback.PhysicalDescription)))
	}

	if session.StageWarnings[models.StageCharacterLocation] == "" {
		t.Error("回退时应记录阶段警告")
	}

	// 回退记录仍推进阶段游标
	if session.CurrentStep() != models.StageStyle {
		t.Errorf("回退后游标应为2，得到 %d", session.CurrentStep())
	}
}

func TestStage1CancelBetweenCallsKeepsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &fakeProvider{
		responses: []string{validCharactersJSON, validLocationsJSON},
	}
	// 第一次调用（角色）完成后立即取消
	provider.afterText = func(call int) {
		if call == 0 {
			cancel()
		}
	}
	svc, _ := newTestStoryboard(provider)

	_, err := svc.RunCharacterLocationStage(ctx, "cancel.txt", "script")
	if err == nil {
		t.Fatal("取消后应返回取消错误")
	}
	if !apperrors.IsCancelled(err) {
		t.Fatalf("期望取消信号，得到: %v", err)
	}

	// 已完成的角色分析保留
	session, gerr := svc.GetSession("cancel.txt", "", false)
	if gerr != nil {
		t.Fatal(gerr)
	}
	if session.CharacterAnalysis == nil {
		t.Error("取消前完成的角色分析应保留")
	}
	if session.LocationAnalysis != nil {
		t.Error("取消后的场景分析不应存在")
	}
}

func TestRunStyleStage(t *testing.T) {
	provider := &fakeProvider{responses: []string{
		validCharactersJSON, validLocationsJSON, validStyleJSON,
	}}
	svc, _ := newTestStoryboard(provider)

	ctx := context.Background()
	if _, err := svc.RunCharacterLocationStage(ctx, "style.txt", "script"); err != nil {
		t.Fatal(err)
	}

	session, err := svc.RunStyleStage(ctx, "style.txt")
	if err != nil {
		t.Fatalf("阶段2失败: %v", err)
	}

	if session.StyleAnalysis == nil || session.StyleAnalysis.Style != "film noir" {
		t.Errorf("风格分析不正确: %+v", session.StyleAnalysis)
	}
	if session.ColorPalette == nil || len(session.ColorPalette.Dominant) != 2 {
		t.Errorf("色彩方案不正确: %+v", session.ColorPalette)
	}
	if session.VisualLanguage == nil {
		t.Error("视觉语言应被保存")
	}
	if session.CurrentStep() != models.StageReferences {
		t.Errorf("阶段2完成后游标应为3，得到 %d", session.CurrentStep())
	}
}

func TestRunReferenceStageGeneratesSequentially(t *testing.T) {
	provider := &fakeProvider{responses: []string{
		validCharactersJSON, validLocationsJSON, validStyleJSON,
	}}
	svc, _ := newTestStoryboard(provider)

	ctx := context.Background()
	if _, err := svc.RunCharacterLocationStage(ctx, "ref.txt", "script"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RunStyleStage(ctx, "ref.txt"); err != nil {
		t.Fatal(err)
	}

	session, err := svc.RunReferenceStage(ctx, "ref.txt", nil)
	if err != nil {
		t.Fatalf("阶段3失败: %v", err)
	}

	// 2个角色 + 1个场景
	if len(session.CharacterReferences) != 2 {
		t.Errorf("应有2张角色参考图，得到 %d", len(session.CharacterReferences))
	}
	if len(session.LocationReferences) != 1 {
		t.Errorf("应有1张场景参考图，得到 %d", len(session.LocationReferences))
	}
	if provider.imageCalls != 3 {
		t.Errorf("应调用图像生成3次，实际 %d 次", provider.imageCalls)
	}
	if session.CurrentStep() != models.StageFinal {
		t.Errorf("阶段3完成后游标应为4，得到 %d", session.CurrentStep())
	}

	ada, ok := session.CharacterReferences["Ada"]
	if !ok {
		t.Fatal("缺少Ada的参考图")
	}
	if !strings.Contains(ada.Prompt, "tall, sharp eyes") {
		t.Errorf("参考图提示词应包含外貌描述: %s", ada.Prompt)
	}
	if !strings.Contains(ada.Prompt, "film noir") {
		t.Errorf("参考图提示词应包含视觉风格: %s", ada.Prompt)
	}

	// 性格到画面线索映射
	ben := session.CharacterReferences["Ben"]
	if !strings.Contains(ben.Prompt, "warm open smile") {
		t.Errorf("cheerful性格应映射到对应画面线索: %s", ben.Prompt)
	}
}

func TestRunReferenceStageImageFailureRecordsWarning(t *testing.T) {
	provider := &fakeProvider{responses: []string{
		validCharactersJSON, validLocationsJSON, validStyleJSON,
	}}
	provider.imageErr = errProviderDown
	svc, _ := newTestStoryboard(provider)

	ctx := context.Background()
	if _, err := svc.RunCharacterLocationStage(ctx, "fail.txt", "script"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RunStyleStage(ctx, "fail.txt"); err != nil {
		t.Fatal(err)
	}

	tracker := NewProgressService().CreateTracker("ref-fail")
	session, err := svc.RunReferenceStage(ctx, "fail.txt", tracker)
	if err != nil {
		t.Fatalf("单张失败应继续而不是中止: %v", err)
	}
	if len(session.CharacterReferences) != 0 || len(session.LocationReferences) != 0 {
		t.Error("全部失败时不应有参考图")
	}
	if session.StageWarnings[models.StageReferences] == "" {
		t.Error("失败应记录到阶段警告")
	}

	// 单张失败不应卡住进度条：2角色+1场景，最后一项报告66%
	if got := tracker.Snapshot().Progress; got != 66 {
		t.Errorf("进度应随条目推进而不是随成功数推进，得到 %d", got)
	}
}

func TestRunFinalStageSkippingReferences(t *testing.T) {
	provider := &fakeProvider{responses: []string{
		validCharactersJSON, validLocationsJSON, validStyleJSON, validBreakdownJSON,
	}}
	svc, _ := newTestStoryboard(provider)

	ctx := context.Background()
	if _, err := svc.RunCharacterLocationStage(ctx, "final.txt", "script"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RunStyleStage(ctx, "final.txt"); err != nil {
		t.Fatal(err)
	}

	// 阶段3是可选的，直接进入阶段4
	session, err := svc.RunFinalStage(ctx, "final.txt", nil)
	if err != nil {
		t.Fatalf("跳过参考图直接生成故事板应被允许: %v", err)
	}

	if len(session.FinalStoryboard) != 2 {
		t.Fatalf("应有2个分镜，得到 %d", len(session.FinalStoryboard))
	}
	frame, ok := session.FinalStoryboard["s1"]
	if !ok {
		t.Fatal("缺少分镜s1")
	}
	if frame.ImageData == "" {
		t.Error("分镜应包含生成的画面")
	}
	if session.CurrentStep() != models.StageFinal {
		t.Errorf("完成后游标应为4，得到 %d", session.CurrentStep())
	}
}

func TestRunFinalStageFallbackPlan(t *testing.T) {
	provider := &fakeProvider{responses: []string{
		validCharactersJSON, validLocationsJSON, validStyleJSON,
		"I'm sorry, I can't produce structured output here.",
	}}
	svc, _ := newTestStoryboard(provider)

	ctx := context.Background()
	if _, err := svc.RunCharacterLocationStage(ctx, "fb.txt", "script"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RunStyleStage(ctx, "fb.txt"); err != nil {
		t.Fatal(err)
	}

	session, err := svc.RunFinalStage(ctx, "fb.txt", nil)
	if err != nil {
		t.Fatalf("规划失败应降级为单镜回退: %v", err)
	}
	if len(session.FinalStoryboard) != 1 {
		t.Fatalf("回退方案应产生1个分镜，得到 %d", len(session.FinalStoryboard))
	}
	if _, ok := session.FinalStoryboard["scene_1"]; !ok {
		t.Error("回退分镜应使用scene_1标识")
	}
	if session.StageWarnings[models.StageFinal] == "" {
		t.Error("回退应记录阶段警告")
	}
}

func TestSessionSnapshotIsolatedFromStageWrites(t *testing.T) {
	// 大量角色让阶段3持续写入参考图map
	names := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		names = append(names, fmt.Sprintf(`{"name":"角色%02d"}`, i))
	}
	manyCharactersJSON := `{"characters":[` + strings.Join(names, ",") + `]}`

	provider := &fakeProvider{responses: []string{
		manyCharactersJSON, validLocationsJSON, validStyleJSON,
	}}
	svc, _ := newTestStoryboard(provider)

	ctx := context.Background()
	if _, err := svc.RunCharacterLocationStage(ctx, "iso.txt", "script"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RunStyleStage(ctx, "iso.txt"); err != nil {
		t.Fatal(err)
	}

	// 阶段协程写入会话的同时读取并序列化快照
	stageDone := make(chan error, 1)
	go func() {
		_, err := svc.RunReferenceStage(ctx, "iso.txt", nil)
		stageDone <- err
	}()

	for running := true; running; {
		select {
		case err := <-stageDone:
			if err != nil {
				t.Fatalf("阶段3失败: %v", err)
			}
			running = false
		default:
			session, err := svc.GetSession("iso.txt", "", false)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := json.Marshal(session); err != nil {
				t.Fatalf("序列化快照失败: %v", err)
			}
		}
	}

	// 快照的map与活动会话隔离，后续写入不可见
	session, err := svc.GetSession("iso.txt", "", false)
	if err != nil {
		t.Fatal(err)
	}
	refsBefore := len(session.CharacterReferences)
	svc.mutateSession("iso.txt", func(sess *models.StoryboardSession) {
		sess.CharacterReferences["追加"] = models.ReferenceImage{ID: "extra"}
		sess.StageWarnings = map[int]string{models.StageReferences: "late"}
	})
	if len(session.CharacterReferences) != refsBefore {
		t.Error("活动会话的写入不应出现在已返回的快照中")
	}
	if session.StageWarnings[models.StageReferences] == "late" {
		t.Error("阶段警告map不应与活动会话共享")
	}
}

func TestScriptExcerptTruncation(t *testing.T) {
	short := "short script"
	if scriptExcerpt(short) != short {
		t.Error("短剧本不应被截断")
	}

	long := strings.Repeat("场", scriptPromptLimit+100)
	excerpt := scriptExcerpt(long)
	if !strings.HasSuffix(excerpt, scriptTruncationMarker) {
		t.Error("截断的剧本应以截断标记结尾")
	}
	body := strings.TrimSuffix(excerpt, scriptTruncationMarker)
	if len([]rune(body)) != scriptPromptLimit {
		t.Errorf("截断应保留 %d 个字符，得到 %d", scriptPromptLimit, len([]rune(body)))
	}
}

func TestAdoptCachedAnalysis(t *testing.T) {
	svc, backend := newTestStoryboard(&fakeProvider{})
	cacheService := NewAnalysisCacheService(backend)
	svc.cache = cacheService

	script := "INT. LAB - DAY"
	payload := json.RawMessage(`{"characters":[{"name":"Eve"}],"locations":[{"name":"Lab"}]}`)
	if _, err := cacheService.Save(script, "lab.txt", payload, nil); err != nil {
		t.Fatal(err)
	}

	session, err := svc.GetSession("lab.txt", script, true)
	if err != nil {
		t.Fatal(err)
	}
	if session.CharacterAnalysis == nil || session.CharacterAnalysis.Characters[0].Name != "Eve" {
		t.Errorf("应采用缓存的角色分析: %+v", session.CharacterAnalysis)
	}
	if session.CurrentStep() != models.StageStyle {
		t.Errorf("采用分析后游标应为2，得到 %d", session.CurrentStep())
	}

	// adoptAnalysis为false时不采用
	svc2, backend2 := newTestStoryboard(&fakeProvider{})
	svc2.cache = NewAnalysisCacheService(backend2)
	if _, err := svc2.cache.Save(script, "lab.txt", payload, nil); err != nil {
		t.Fatal(err)
	}
	session2, err := svc2.GetSession("lab.txt", script, false)
	if err != nil {
		t.Fatal(err)
	}
	if session2.CharacterAnalysis != nil {
		t.Error("未开启采用时不应预填分析")
	}
}

func TestDebouncedSavePersistsAfterWindow(t *testing.T) {
	provider := &fakeProvider{responses: []string{validCharactersJSON, validLocationsJSON}}
	svc, backend := newTestStoryboard(provider)

	if _, err := svc.RunCharacterLocationStage(context.Background(), "debounce.txt", "script"); err != nil {
		t.Fatal(err)
	}

	// 防抖窗口内可能尚未落盘，窗口过后必须落盘
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := backend.Get("storyboard_debounce.txt"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("防抖窗口结束后会话应已持久化")
}

func TestDeleteSessionRemovesPersisted(t *testing.T) {
	provider := &fakeProvider{responses: []string{validCharactersJSON, validLocationsJSON}}
	svc, backend := newTestStoryboard(provider)

	if _, err := svc.RunCharacterLocationStage(context.Background(), "del.txt", "script"); err != nil {
		t.Fatal(err)
	}
	if err := svc.FlushSession("del.txt"); err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteSession("del.txt"); err != nil {
		t.Fatalf("DeleteSession失败: %v", err)
	}
	if _, err := backend.Get("storyboard_del.txt"); err == nil {
		t.Error("删除后持久化数据不应存在")
	}

	// 重新获取应得到全新会话
	session, err := svc.GetSession("del.txt", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if session.CharacterAnalysis != nil {
		t.Error("删除后的会话应为空")
	}
}
