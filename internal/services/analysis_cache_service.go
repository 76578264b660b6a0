// internal/services/analysis_cache_service.go
package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/Corphon/StoryboardMCP/internal/storage"
	"github.com/Corphon/StoryboardMCP/internal/utils"
)

const (
	// analysisKeyPrefix 分析记录的键命名空间，与历史数据保持兼容
	analysisKeyPrefix = "mgx_analysis_"

	// analysisVersion 记录格式版本
	analysisVersion = "1.0"

	// DefaultAnalysisRetention 默认保留期限
	DefaultAnalysisRetention = 30 * 24 * time.Hour

	// DefaultSimilarityThreshold 模糊文件名匹配的默认阈值
	DefaultSimilarityThreshold = 0.7
)

// AnalysisCacheService 以内容寻址方式缓存昂贵的AI分析结果
// 后端在构造时注入（文件目录或键值库），服务本身不探测运行环境
type AnalysisCacheService struct {
	backend storage.Backend
}

// FileNameMatch 模糊文件名查找的结果
type FileNameMatch struct {
	Key    string                 `json:"key"`
	Score  float64                `json:"score"`
	Record *models.AnalysisRecord `json:"record"`
}

// ClearResult 批量删除的结果统计
type ClearResult struct {
	SuccessCount int `json:"successCount"`
	ErrorCount   int `json:"errorCount"`
}

// NewAnalysisCacheService 创建分析缓存服务
func NewAnalysisCacheService(backend storage.Backend) *AnalysisCacheService {
	return &AnalysisCacheService{backend: backend}
}

// GenerateKey 对剧本文本+文件名计算确定性缓存键
// 32位滚动哈希（base36编码），与历史键格式兼容；不处理碰撞，
// 碰撞防护依赖记录内的SHA-256指纹校验（见Load）
func (s *AnalysisCacheService) GenerateKey(scriptText, fileName string) string {
	var hash int32
	for _, r := range scriptText + fileName {
		hash = hash*31 + int32(r)
	}
	if hash < 0 {
		// 取绝对值以匹配历史编码；MinInt32取反仍为负，归零处理
		if hash == -2147483648 {
			hash = 0
		} else {
			hash = -hash
		}
	}
	return strconv.FormatInt(int64(hash), 36)
}

// fingerprint 剧本文本的SHA-256内容指纹（与文件名无关）
func fingerprint(scriptText string) string {
	sum := sha256.Sum256([]byte(scriptText))
	return hex.EncodeToString(sum[:])
}

// Save 计算键并原子写入分析记录，同键旧记录被覆盖
// 后端I/O错误直接向上传播，内部不重试
func (s *AnalysisCacheService) Save(scriptText, fileName string, analysisData json.RawMessage, scriptMetadata models.ScriptMetadata) (string, error) {
	key := s.GenerateKey(scriptText, fileName)

	record := models.AnalysisRecord{
		FileName:       fileName,
		Timestamp:      time.Now().UTC(),
		ScriptHash:     fingerprint(scriptText),
		AnalysisData:   analysisData,
		ScriptMetadata: scriptMetadata,
		Metadata: models.AnalysisMeta{
			ScriptLength: len([]rune(scriptText)),
			WordCount:    len(strings.Fields(scriptText)),
			Version:      analysisVersion,
		},
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", apperrors.NewStorageError("序列化分析记录失败", err)
	}

	if err := s.backend.Put(analysisKeyPrefix+key, data); err != nil {
		return "", apperrors.NewStorageError("写入分析记录失败", err)
	}

	return key, nil
}

// Load 按相同输入重新计算键并返回缓存的分析载荷
// 未命中返回nil而不是错误；存储的JSON损坏时记录日志并按未命中处理
func (s *AnalysisCacheService) Load(scriptText, fileName string) (json.RawMessage, error) {
	key := s.GenerateKey(scriptText, fileName)

	record, err := s.loadRecord(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		utils.GetLogger().Warn("读取分析记录失败，按缓存未命中处理", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return nil, nil
	}

	// 32位键可能碰撞：指纹不一致时按未命中处理，避免返回其他剧本的分析
	if record.ScriptHash != "" && record.ScriptHash != fingerprint(scriptText) {
		utils.GetLogger().Warn("缓存键碰撞：内容指纹不匹配", map[string]interface{}{
			"key":      key,
			"fileName": record.FileName,
		})
		return nil, nil
	}

	return record.AnalysisData, nil
}

// LoadByKey 绕过重新哈希的直接查找（键来自List等枚举操作）
func (s *AnalysisCacheService) LoadByKey(key string) (json.RawMessage, error) {
	record, err := s.loadRecord(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		utils.GetLogger().Warn("按键读取分析记录失败", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return nil, nil
	}
	return record.AnalysisData, nil
}

// loadRecord 读取并解析单条记录
func (s *AnalysisCacheService) loadRecord(key string) (*models.AnalysisRecord, error) {
	data, err := s.backend.Get(analysisKeyPrefix + key)
	if err != nil {
		return nil, err
	}

	var record models.AnalysisRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("分析记录JSON损坏: %w", err)
	}
	return &record, nil
}

// FindByFileName 精确哈希未命中时的模糊文件名回退查找
// 相似度: 完全相等=1.0；任一方向的子串包含=0.9；否则按字符位置
// 对齐的匹配数除以较长长度——刻意选择的粗糙度量（速度优先于精度）
func (s *AnalysisCacheService) FindByFileName(candidateName string, threshold float64) (*FileNameMatch, error) {
	keys, err := s.listAnalysisKeys()
	if err != nil {
		// 读路径：后端不可用按无结果处理
		utils.GetLogger().Warn("枚举分析记录失败", map[string]interface{}{"error": err.Error()})
		return nil, nil
	}

	var best *FileNameMatch
	for _, key := range keys {
		record, err := s.loadRecord(key)
		if err != nil {
			continue
		}

		score := nameSimilarity(candidateName, record.FileName)
		if score < threshold {
			continue
		}

		if best == nil || score > best.Score ||
			(score == best.Score && record.Timestamp.After(best.Record.Timestamp)) {
			best = &FileNameMatch{Key: key, Score: score, Record: record}
		}
	}

	return best, nil
}

// nameSimilarity 文件名相似度评分
func nameSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.9
	}

	ra := []rune(a)
	rb := []rune(b)
	shorter := len(ra)
	longer := len(rb)
	if shorter > longer {
		shorter, longer = longer, shorter
	}

	matches := 0
	for i := 0; i < shorter; i++ {
		if ra[i] == rb[i] {
			matches++
		}
	}

	return float64(matches) / float64(longer)
}

// List 枚举所有记录摘要（不含完整载荷），按时间倒序
// 后端不可用时返回空列表而不是错误
func (s *AnalysisCacheService) List() []models.AnalysisSummary {
	keys, err := s.listAnalysisKeys()
	if err != nil {
		utils.GetLogger().Warn("枚举分析记录失败", map[string]interface{}{"error": err.Error()})
		return []models.AnalysisSummary{}
	}

	summaries := make([]models.AnalysisSummary, 0, len(keys))
	for _, key := range keys {
		record, err := s.loadRecord(key)
		if err != nil {
			continue
		}
		summaries = append(summaries, models.AnalysisSummary{
			Key:        key,
			FileName:   record.FileName,
			Timestamp:  record.Timestamp,
			ScriptHash: record.ScriptHash,
			Metadata:   record.Metadata,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Timestamp.After(summaries[j].Timestamp)
	})

	return summaries
}

// ClearOldAnalyses 删除时间戳早于 now-maxAge 的所有记录
// 边界为严格小于：恰好处于边界的记录保留
func (s *AnalysisCacheService) ClearOldAnalyses(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultAnalysisRetention
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	keys, err := s.listAnalysisKeys()
	if err != nil {
		return 0, apperrors.NewStorageError("枚举分析记录失败", err)
	}

	deleted := 0
	var firstErr error
	for _, key := range keys {
		record, err := s.loadRecord(key)
		if err != nil {
			continue
		}
		if !record.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.backend.Delete(analysisKeyPrefix + key); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted++
	}

	if firstErr != nil {
		return deleted, apperrors.NewStorageError("部分过期记录删除失败", firstErr)
	}
	return deleted, nil
}

// DeleteAnalysis 显式删除单条记录，失败向调用方传播
func (s *AnalysisCacheService) DeleteAnalysis(key string) error {
	if err := s.backend.Delete(analysisKeyPrefix + key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NewNotFoundError(fmt.Sprintf("分析记录不存在: %s", key), err)
		}
		return apperrors.NewStorageError("删除分析记录失败", err)
	}
	return nil
}

// ClearAll 删除全部记录并返回成功/失败计数
// 部分失败不回滚已成功的删除，存在失败时返回聚合错误
func (s *AnalysisCacheService) ClearAll() (ClearResult, error) {
	result := ClearResult{}

	keys, err := s.listAnalysisKeys()
	if err != nil {
		return result, apperrors.NewStorageError("枚举分析记录失败", err)
	}

	for _, key := range keys {
		if err := s.backend.Delete(analysisKeyPrefix + key); err != nil {
			result.ErrorCount++
			utils.GetLogger().Error("删除分析记录失败", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		result.SuccessCount++
	}

	if result.ErrorCount > 0 {
		return result, apperrors.NewStorageError(
			fmt.Sprintf("清空缓存部分失败: 成功 %d 条, 失败 %d 条", result.SuccessCount, result.ErrorCount), nil)
	}
	return result, nil
}

// listAnalysisKeys 枚举分析命名空间下的键（去前缀）
func (s *AnalysisCacheService) listAnalysisKeys() ([]string, error) {
	all, err := s.backend.List()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, analysisKeyPrefix) {
			keys = append(keys, strings.TrimPrefix(k, analysisKeyPrefix))
		}
	}
	return keys, nil
}
