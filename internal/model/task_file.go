package model

import (
	"strings"
	"time"
)

// FileUploadStatus 任务文件上传状态
const (
	FileStatusPending   = "pending"   // 待上传
	FileStatusUploading = "uploading" // 上传中
	FileStatusCompleted = "completed" // 已完成
	FileStatusFailed    = "failed"    // 失败
	FileStatusSkipped   = "skipped"   // 跳过（秒传）
)

// MaxFileRetries 单个文件的重试预算。
const MaxFileRetries = 3

// ChunkSession 记录一次分片上传会话的簿记信息。
// Tags 以 1 起始的分片序号为键，重复上传同一序号时覆盖旧值，
// 因此已上传分片数始终是去重后的基数，而非累加计数。
type ChunkSession struct {
	UploadID    string         `json:"upload_id"`
	ChunkSize   int64          `json:"chunk_size"`
	TotalChunks int            `json:"total_chunks"`
	Tags        map[int]string `json:"tags"`
}

// UploadedCount 已收到的不同分片数。
func (s *ChunkSession) UploadedCount() int {
	if s == nil {
		return 0
	}
	return len(s.Tags)
}

// TaskFile 定义了 task_files 表的 ORM 模型，即任务内单个文件的传输记录。
type TaskFile struct {
	ID     uint  `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID uint  `gorm:"not null;index" json:"taskId"`
	FileID *uint `gorm:"index" json:"fileId"` // 上传成功后关联的 File

	// 文件源信息（来自客户端，local_path 不做文件系统校验）
	LocalPath        string `gorm:"type:varchar(1024);not null" json:"localPath"`
	TargetFolderPath string `gorm:"type:varchar(1024);not null" json:"targetFolderPath"`
	FileName         string `gorm:"type:varchar(255);not null" json:"fileName"`
	FileSize         int64  `gorm:"not null" json:"fileSize"`
	MD5              string `gorm:"type:varchar(32);index" json:"md5"`
	MimeType         string `gorm:"type:varchar(100)" json:"mimeType"`

	// 上传状态
	Status         string  `gorm:"type:varchar(16);not null;default:pending;index" json:"status"`
	UploadProgress float64 `gorm:"not null;default:0" json:"uploadProgress"` // 0-100

	// 对象存储信息
	ObjectKey string `gorm:"type:varchar(512);index" json:"objectKey"`
	ObjectURL string `gorm:"type:varchar(1024)" json:"objectUrl"`

	// 分片上传会话，仅在 multipart 进行中非空
	ChunkSession *ChunkSession `gorm:"serializer:json" json:"chunkSession,omitempty"`

	ErrorMessage string `gorm:"type:text" json:"errorMessage,omitempty"`
	RetryCount   int    `gorm:"not null;default:0" json:"retryCount"`

	// 秒传标记：解析完成后 is_duplicated 与 duplicated_from 要么同时为空，
	// 要么同时成立
	IsDuplicated   bool  `gorm:"not null;default:false" json:"isDuplicated"`
	DuplicatedFrom *uint `json:"duplicatedFrom,omitempty"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (TaskFile) TableName() string {
	return "task_files"
}

// VirtualPath 目标虚拟完整路径（目录 + 文件名）。
func (f *TaskFile) VirtualPath() string {
	folder := strings.TrimRight(f.TargetFolderPath, "/")
	return folder + "/" + f.FileName
}

// IsSuccessTerminal 是否处于成功终态（上传完成或秒传跳过）。
func (f *TaskFile) IsSuccessTerminal() bool {
	return f.Status == FileStatusCompleted || f.Status == FileStatusSkipped
}

// IsFailed 是否失败。
func (f *TaskFile) IsFailed() bool {
	return f.Status == FileStatusFailed
}

// CanRetry 是否还有重试预算。重试不清零 retry_count，
// 第 3 次失败后该方法即返回 false。
func (f *TaskFile) CanRetry() bool {
	return f.IsFailed() && f.RetryCount < MaxFileRetries
}
