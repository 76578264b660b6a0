// internal/models/reference.go
package models

import (
	"encoding/json"
	"time"
)

// ReferenceUpload 用户上传的角色参考图条目
// Data为base64编码的图像（入库前统一压缩为JPEG），OriginalSize记录压缩前字节数
type ReferenceUpload struct {
	ID           string    `json:"id"`
	Data         string    `json:"data"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Size         int       `json:"size"`
	OriginalSize int       `json:"originalSize"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// Marshal 序列化为存储载荷
func (r *ReferenceUpload) Marshal() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// UnmarshalReferenceUpload 从存储载荷解析
func UnmarshalReferenceUpload(data []byte) (*ReferenceUpload, error) {
	var upload ReferenceUpload
	if err := json.Unmarshal(data, &upload); err != nil {
		return nil, err
	}
	return &upload, nil
}
