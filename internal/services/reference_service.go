// internal/services/reference_service.go
package services

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/Corphon/StoryboardMCP/internal/storage"
	"github.com/Corphon/StoryboardMCP/internal/utils"
	"github.com/google/uuid"
	"golang.org/x/image/draw"
)

const (
	// referenceKeyPrefix 角色参考上传的键命名空间
	referenceKeyPrefix = "character_reference_"

	// maxReferenceUploads 参考图上限
	maxReferenceUploads = 14

	// maxReferenceDimension 长边超过该值时等比缩放
	maxReferenceDimension = 1024

	// referenceJPEGQuality 重编码质量
	referenceJPEGQuality = 85
)

// ReferenceService 管理用户上传的角色参考图
// 上传即归一化：超大图片等比压缩到1024px内并重编码为JPEG，
// 存储的是压缩后的数据，原始尺寸仅记录在OriginalSize
type ReferenceService struct {
	backend storage.Backend
}

// NewReferenceService 创建参考图服务
func NewReferenceService(backend storage.Backend) *ReferenceService {
	return &ReferenceService{backend: backend}
}

func referenceKey(name string) string {
	return referenceKeyPrefix + name
}

// SaveReference 保存角色参考图，dataURL为 data:image/...;base64,... 形式
// 已达上限且目标角色无旧图时拒绝（覆盖已有角色的参考不计入新增）
func (s *ReferenceService) SaveReference(name, dataURL string) (*models.ReferenceUpload, error) {
	if name == "" {
		return nil, apperrors.NewValidationError("角色名称不能为空", nil)
	}

	mimeType, raw, err := decodeDataURL(dataURL)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("无效的图片数据: %v", err), nil)
	}

	if !s.backend.Has(referenceKey(name)) {
		count, err := s.Count()
		if err != nil {
			return nil, err
		}
		if count >= maxReferenceUploads {
			return nil, apperrors.NewValidationError(
				fmt.Sprintf("参考图数量已达上限 %d，请先删除不需要的参考", maxReferenceUploads), nil)
		}
	}

	originalSize := len(raw)
	normalized, outMime, err := normalizeReferenceImage(raw, mimeType)
	if err != nil {
		// 无法解码的格式按原样存储，生成时由提供商自行处理
		utils.GetLogger().Warn("参考图压缩失败，按原图存储", map[string]interface{}{
			"name": name, "error": err.Error(),
		})
		normalized = raw
		outMime = mimeType
	}

	upload := models.ReferenceUpload{
		ID:           uuid.NewString(),
		Name:         name,
		Type:         outMime,
		Data:         base64.StdEncoding.EncodeToString(normalized),
		Size:         len(normalized),
		OriginalSize: originalSize,
		UploadedAt:   time.Now().UTC(),
	}

	data, err := upload.Marshal()
	if err != nil {
		return nil, apperrors.NewStorageError("序列化参考图失败", err)
	}
	if err := s.backend.Put(referenceKey(name), data); err != nil {
		return nil, apperrors.NewStorageError("保存参考图失败", err)
	}

	return &upload, nil
}

// GetCharacterReference 读取单个角色的参考图（实现ReferenceLookup）
func (s *ReferenceService) GetCharacterReference(name string) (*models.ReferenceUpload, bool) {
	data, err := s.backend.Get(referenceKey(name))
	if err != nil {
		return nil, false
	}

	upload, err := models.UnmarshalReferenceUpload(data)
	if err != nil {
		utils.GetLogger().Warn("参考图数据损坏", map[string]interface{}{
			"name": name, "error": err.Error(),
		})
		return nil, false
	}
	return upload, true
}

// ListReferences 枚举所有已上传的参考图（不含图像数据，用于列表展示）
func (s *ReferenceService) ListReferences() ([]models.ReferenceUpload, error) {
	keys, err := s.backend.List()
	if err != nil {
		return nil, apperrors.NewStorageError("枚举参考图失败", err)
	}

	uploads := make([]models.ReferenceUpload, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, referenceKeyPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, referenceKeyPrefix)
		upload, ok := s.GetCharacterReference(name)
		if !ok {
			continue
		}
		upload.Data = "" // 列表不回传图像本体
		uploads = append(uploads, *upload)
	}
	return uploads, nil
}

// Count 当前参考图数量
func (s *ReferenceService) Count() (int, error) {
	keys, err := s.backend.List()
	if err != nil {
		return 0, apperrors.NewStorageError("枚举参考图失败", err)
	}
	count := 0
	for _, key := range keys {
		if strings.HasPrefix(key, referenceKeyPrefix) {
			count++
		}
	}
	return count, nil
}

// DeleteReference 删除单个角色的参考图
func (s *ReferenceService) DeleteReference(name string) error {
	if err := s.backend.Delete(referenceKey(name)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NewNotFoundError(fmt.Sprintf("参考图不存在: %s", name), err)
		}
		return apperrors.NewStorageError("删除参考图失败", err)
	}
	return nil
}

// decodeDataURL 解析 data:<mime>;base64,<payload> 格式
// 也接受裸base64（默认按image/png处理）
func decodeDataURL(dataURL string) (mimeType string, raw []byte, err error) {
	payload := dataURL
	mimeType = "image/png"

	if strings.HasPrefix(dataURL, "data:") {
		comma := strings.Index(dataURL, ",")
		if comma == -1 {
			return "", nil, errors.New("data URL缺少逗号分隔符")
		}
		header := dataURL[len("data:"):comma]
		payload = dataURL[comma+1:]

		if semi := strings.Index(header, ";"); semi != -1 {
			header = header[:semi]
		}
		if header != "" {
			mimeType = header
		}
	}

	raw, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// 有些前端给出URL安全变体
		raw, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, fmt.Errorf("base64解码失败: %w", err)
		}
	}
	if len(raw) == 0 {
		return "", nil, errors.New("图片数据为空")
	}
	return mimeType, raw, nil
}

// normalizeReferenceImage 长边超限时等比缩放并重编码为JPEG
// 小图且已是JPEG时原样返回，避免无谓的二次有损压缩
func normalizeReferenceImage(raw []byte, mimeType string) ([]byte, string, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("解码图片失败: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if width <= maxReferenceDimension && height <= maxReferenceDimension {
		if mimeType == "image/jpeg" {
			return raw, mimeType, nil
		}
	} else {
		// 等比缩放到长边1024
		var newW, newH int
		if width >= height {
			newW = maxReferenceDimension
			newH = height * maxReferenceDimension / width
		} else {
			newH = maxReferenceDimension
			newW = width * maxReferenceDimension / height
		}
		if newW < 1 {
			newW = 1
		}
		if newH < 1 {
			newH = 1
		}

		dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: referenceJPEGQuality}); err != nil {
		return nil, "", fmt.Errorf("JPEG编码失败: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
