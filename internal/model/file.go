package model

import (
	"strings"
	"time"
)

// UploadSource 标识文件的上传来源。
const (
	UploadSourceWeb    = "web"    // 网页端上传
	UploadSourceClient = "client" // 客户端同步上传
)

// File 定义了 files 表的 ORM 模型，即盘符命名空间中一个已落库的对象。
// 秒传时会为引用方新建一条 File 记录，仅共享底层 object_key，
// File 行本身从不共享，以保留各盘独立删除的语义。
type File struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	DriveID      uint      `gorm:"not null;index" json:"driveId"`
	FolderID     *uint     `gorm:"index" json:"folderId"` // 根目录文件为空
	Name         string    `gorm:"type:varchar(255);not null" json:"name"`
	OriginalName string    `gorm:"type:varchar(255);not null" json:"originalName"`
	Extension    string    `gorm:"type:varchar(32)" json:"extension"`
	Size         int64     `gorm:"not null" json:"size"`
	MimeType     string    `gorm:"type:varchar(100)" json:"mimeType"`
	ObjectKey    string    `gorm:"type:varchar(512);not null;index" json:"objectKey"`
	ObjectURL    string    `gorm:"type:varchar(1024)" json:"objectUrl"`
	MD5          string    `gorm:"type:varchar(32);not null;index" json:"md5"`
	UploadedBy   uint      `gorm:"not null;index" json:"uploadedBy"`
	UploadSource string    `gorm:"type:varchar(16);not null;default:web" json:"uploadSource"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (File) TableName() string {
	return "files"
}

// FileExtension 从文件名中取扩展名（含点号），无扩展名返回空串。
func FileExtension(fileName string) string {
	idx := strings.LastIndex(fileName, ".")
	if idx < 0 {
		return ""
	}
	return fileName[idx:]
}
