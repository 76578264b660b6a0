// internal/models/storyboard.go
package models

import "time"

// 故事板向导的四个阶段
const (
	StageCharacterLocation = 1 // 角色与场景分析
	StageStyle             = 2 // 视觉风格与色彩分析
	StageReferences        = 3 // 参考图生成（可跳过）
	StageFinal             = 4 // 最终故事板
)

// CharacterProfile 单个角色的结构化分析结果
type CharacterProfile struct {
	Name                string   `json:"name" jsonschema:"required"`
	Role                string   `json:"role,omitempty"`
	Age                 string   `json:"age,omitempty"`
	PhysicalDescription string   `json:"physical_description,omitempty"`
	Personality         string   `json:"personality,omitempty"`
	CostumeNotes        string   `json:"costume_notes,omitempty"`
	KeyScenes           []string `json:"key_scenes,omitempty"`
}

// LocationProfile 单个场景地点的结构化分析结果
type LocationProfile struct {
	Name        string   `json:"name" jsonschema:"required"`
	Description string   `json:"description,omitempty"`
	Atmosphere  string   `json:"atmosphere,omitempty"`
	TimeOfDay   string   `json:"time_of_day,omitempty"`
	KeyScenes   []string `json:"key_scenes,omitempty"`
}

// CharacterAnalysis 阶段1的角色分析输出
type CharacterAnalysis struct {
	Characters []CharacterProfile `json:"characters" jsonschema:"required"`
}

// LocationAnalysis 阶段1的场景分析输出
type LocationAnalysis struct {
	Locations []LocationProfile `json:"locations" jsonschema:"required"`
}

// StyleAnalysis 阶段2的视觉风格分析输出
type StyleAnalysis struct {
	Style         string   `json:"style" jsonschema:"required"`
	Genre         string   `json:"genre,omitempty"`
	Mood          string   `json:"mood,omitempty"`
	CameraNotes   string   `json:"camera_notes,omitempty"`
	LightingNotes string   `json:"lighting_notes,omitempty"`
	References    []string `json:"references,omitempty"`
}

// ColorPalette 阶段2的色彩方案
type ColorPalette struct {
	Dominant    []string `json:"dominant,omitempty"`
	Accent      []string `json:"accent,omitempty"`
	Description string   `json:"description,omitempty"`
}

// VisualLanguage 阶段2的视觉语言描述
type VisualLanguage struct {
	ShotPreferences  []string `json:"shot_preferences,omitempty"`
	CompositionNotes string   `json:"composition_notes,omitempty"`
	TransitionStyle  string   `json:"transition_style,omitempty"`
}

// StyleStageResult 阶段2的完整输出（单次LLM调用返回三部分）
type StyleStageResult struct {
	Style          StyleAnalysis   `json:"style" jsonschema:"required"`
	ColorPalette   *ColorPalette   `json:"color_palette,omitempty"`
	VisualLanguage *VisualLanguage `json:"visual_language,omitempty"`
}

// ReferenceImage AI生成的角色/场景参考图
type ReferenceImage struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Prompt    string    `json:"prompt,omitempty"`
	ImageData string    `json:"image_data"` // base64编码
	MimeType  string    `json:"mime_type"`
	Cost      float64   `json:"cost,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SceneFrame 阶段4生成的单个分镜
type SceneFrame struct {
	SceneID      string    `json:"scene_id"`
	SceneHeading string    `json:"scene_heading,omitempty"`
	Description  string    `json:"description,omitempty"`
	Prompt       string    `json:"prompt,omitempty"`
	ImageData    string    `json:"image_data,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SceneBreakdown 阶段4分镜规划的结构化输出
type SceneBreakdown struct {
	Scenes []ScenePlan `json:"scenes" jsonschema:"required"`
}

// ScenePlan 单个分镜的规划条目
type ScenePlan struct {
	SceneID      string `json:"scene_id" jsonschema:"required"`
	SceneHeading string `json:"scene_heading,omitempty"`
	Description  string `json:"description,omitempty"`
	ImagePrompt  string `json:"image_prompt,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// StoryboardSession 单个剧本的向导工作状态
// 当前阶段不作为字段持久化，由已有数据推导（见CurrentStep）
type StoryboardSession struct {
	FileName            string                    `json:"fileName"`
	ScriptText          string                    `json:"scriptText,omitempty"`
	CharacterAnalysis   *CharacterAnalysis        `json:"characterAnalysis,omitempty"`
	LocationAnalysis    *LocationAnalysis         `json:"locationAnalysis,omitempty"`
	StyleAnalysis       *StyleAnalysis            `json:"styleAnalysis,omitempty"`
	ColorPalette        *ColorPalette             `json:"colorPalette,omitempty"`
	VisualLanguage      *VisualLanguage           `json:"visualLanguage,omitempty"`
	CharacterReferences map[string]ReferenceImage `json:"characterReferences,omitempty"`
	LocationReferences  map[string]ReferenceImage `json:"locationReferences,omitempty"`
	FinalStoryboard     map[string]SceneFrame     `json:"finalStoryboard,omitempty"`
	StageWarnings       map[int]string            `json:"stageWarnings,omitempty"`
	UpdatedAt           time.Time                 `json:"updatedAt"`
}

// CurrentStep 推导向导游标：满足前置数据的最高阶段+1，上限为4
func (s *StoryboardSession) CurrentStep() int {
	step := StageCharacterLocation
	if s.CharacterAnalysis != nil && s.LocationAnalysis != nil {
		step = StageStyle
	}
	if step == StageStyle && s.StyleAnalysis != nil {
		step = StageReferences
	}
	if step == StageReferences &&
		(len(s.CharacterReferences) > 0 || len(s.LocationReferences) > 0 || len(s.FinalStoryboard) > 0) {
		step = StageFinal
	}
	return step
}
