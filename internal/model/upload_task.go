package model

import (
	"encoding/json"
	"time"
)

// TaskStatus 上传任务状态
const (
	TaskStatusPending   = "pending"   // 待上传
	TaskStatusUploading = "uploading" // 上传中
	TaskStatusCompleted = "completed" // 已完成
	TaskStatusFailed    = "failed"    // 失败
	TaskStatusCancelled = "cancelled" // 已取消
)

// UploadTask 定义了 upload_tasks 表的 ORM 模型。
// 一个任务对应客户端一次批量传输，进度计数始终由子文件全量重算得出。
type UploadTask struct {
	ID      uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID  uint   `gorm:"not null;index" json:"userId"`
	DriveID uint   `gorm:"not null;index" json:"driveId"`
	Name    string `gorm:"type:varchar(255);not null" json:"name"`
	Status  string `gorm:"type:varchar(16);not null;default:pending;index" json:"status"`

	Priority int `gorm:"not null;default:5" json:"priority"` // 0-10

	// 进度追踪
	TotalFiles    int   `gorm:"not null;default:0" json:"totalFiles"`
	UploadedFiles int   `gorm:"not null;default:0" json:"uploadedFiles"`
	TotalSize     int64 `gorm:"not null;default:0" json:"totalSize"`
	UploadedSize  int64 `gorm:"not null;default:0" json:"uploadedSize"`

	// 客户端提交的上传描述与服务端生成的存储描述（均为 JSON 原文）
	UploadManifest  json.RawMessage `gorm:"type:json" json:"uploadManifest,omitempty"`
	StorageManifest json.RawMessage `gorm:"type:json" json:"storageManifest,omitempty"`

	ErrorMessage string `gorm:"type:text" json:"errorMessage,omitempty"`
	RetryCount   int    `gorm:"not null;default:0" json:"retryCount"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (UploadTask) TableName() string {
	return "upload_tasks"
}

// IsTerminal 任务是否处于终态。
func (t *UploadTask) IsTerminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// ProgressPercentage 按文件数计算的进度百分比。
func (t *UploadTask) ProgressPercentage() float64 {
	if t.TotalFiles == 0 {
		return 0
	}
	return float64(t.UploadedFiles) / float64(t.TotalFiles) * 100
}

// SizeProgressPercentage 按字节数计算的进度百分比。
func (t *UploadTask) SizeProgressPercentage() float64 {
	if t.TotalSize == 0 {
		return 0
	}
	return float64(t.UploadedSize) / float64(t.TotalSize) * 100
}

// RemainingFiles 剩余文件数。
func (t *UploadTask) RemainingFiles() int {
	if n := t.TotalFiles - t.UploadedFiles; n > 0 {
		return n
	}
	return 0
}

// RemainingSize 剩余字节数。
func (t *UploadTask) RemainingSize() int64 {
	if n := t.TotalSize - t.UploadedSize; n > 0 {
		return n
	}
	return 0
}
