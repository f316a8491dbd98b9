package model

import "time"

// Folder 定义了 folders 表的 ORM 模型（树形结构）。
// (drive_id, path) 上的唯一索引保证同一盘符下路径不重复，
// 并发创建时的重复插入依赖该约束回退为"重读已存在行"。
type Folder struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	DriveID   uint      `gorm:"not null;uniqueIndex:uk_drive_path,priority:1" json:"driveId"`
	Path      string    `gorm:"type:varchar(768);not null;uniqueIndex:uk_drive_path,priority:2" json:"path"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	Level     int       `gorm:"not null;default:0" json:"level"` // 层级深度，第一级为 0
	ParentID  *uint     `gorm:"index" json:"parentId"`
	CreatedBy uint      `gorm:"not null" json:"createdBy"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Folder) TableName() string {
	return "folders"
}
