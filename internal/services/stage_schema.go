// internal/services/stage_schema.go
package services

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// StageSchema 阶段输出的JSON Schema
// 由Go类型反射生成，一份schema同时用于两处：嵌入提示词告知模型期望
// 的输出结构，以及对模型响应做显式校验（校验结果是带细节的标记值，
// 而不是可选链式的就地探测）
type StageSchema struct {
	name     string
	schemaJS string
	compiled *gojsonschema.Schema
}

var schemaReflector = jsonschema.Reflector{
	DoNotReference:             true,
	AllowAdditionalProperties:  true,
	RequiredFromJSONSchemaTags: true,
}

// 各阶段的输出schema，启动时反射一次
var (
	characterSchema = mustStageSchema("character_analysis", &models.CharacterAnalysis{})
	locationSchema  = mustStageSchema("location_analysis", &models.LocationAnalysis{})
	styleSchema     = mustStageSchema("style_analysis", &models.StyleStageResult{})
	breakdownSchema = mustStageSchema("scene_breakdown", &models.SceneBreakdown{})
)

func mustStageSchema(name string, v interface{}) *StageSchema {
	s, err := newStageSchema(name, v)
	if err != nil {
		panic(fmt.Sprintf("反射阶段schema %s 失败: %v", name, err))
	}
	return s
}

func newStageSchema(name string, v interface{}) (*StageSchema, error) {
	schema := schemaReflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, err
	}

	return &StageSchema{
		name:     name,
		schemaJS: string(raw),
		compiled: compiled,
	}, nil
}

// PromptSchema 返回嵌入提示词的schema文本
func (s *StageSchema) PromptSchema() string {
	return s.schemaJS
}

// Validate 校验清洗后的模型响应
// 返回nil表示通过；否则返回带细节的ValidationError，调用方据此替换回退记录
func (s *StageSchema) Validate(doc []byte) error {
	if !json.Valid(doc) {
		return apperrors.NewValidationError(
			fmt.Sprintf("%s: AI响应不是有效的JSON", s.name), nil)
	}

	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return apperrors.NewValidationError(
			fmt.Sprintf("%s: 响应校验失败", s.name), []string{err.Error()})
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return apperrors.NewValidationError(
			fmt.Sprintf("%s: AI响应不符合阶段schema", s.name), details)
	}

	return nil
}
