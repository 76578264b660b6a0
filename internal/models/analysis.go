// internal/models/analysis.go
package models

import (
	"encoding/json"
	"time"
)

// ScriptMetadata 剧本来源的附加信息（原始文件名、类型、上传时间等，允许任意扩展字段）
type ScriptMetadata map[string]interface{}

// AnalysisMeta 分析结果的统计元数据
type AnalysisMeta struct {
	ScriptLength int    `json:"scriptLength"`
	WordCount    int    `json:"wordCount"`
	Version      string `json:"version"`
}

// AnalysisRecord 缓存的分析结果持久化单元
// 键由剧本文本+文件名确定性计算，内容一经写入不再修改（新分析产生新键）
type AnalysisRecord struct {
	FileName       string          `json:"fileName"`
	Timestamp      time.Time       `json:"timestamp"`
	ScriptHash     string          `json:"scriptHash"` // 剧本文本的SHA-256指纹，与文件名无关
	AnalysisData   json.RawMessage `json:"analysisData"`
	ScriptMetadata ScriptMetadata  `json:"scriptMetadata,omitempty"`
	Metadata       AnalysisMeta    `json:"metadata"`
}

// AnalysisSummary 列表操作返回的记录摘要（不含完整载荷）
type AnalysisSummary struct {
	Key        string       `json:"key"`
	FileName   string       `json:"fileName"`
	Timestamp  time.Time    `json:"timestamp"`
	ScriptHash string       `json:"scriptHash"`
	Metadata   AnalysisMeta `json:"metadata"`
}
