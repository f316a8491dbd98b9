package model

import "time"

// Drive 定义了 drives 表的 ORM 模型，即一个虚拟盘符。
// 文件与文件夹都归属于某个盘符的命名空间。
type Drive struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"type:varchar(64);not null" json:"name"`
	Description string    `gorm:"type:varchar(255)" json:"description"`
	UserID      uint      `gorm:"not null;index" json:"userId"`
	TotalSize   int64     `gorm:"default:0" json:"totalSize"` // 容量限制（字节），0 表示无限制
	UsedSize    int64     `gorm:"not null;default:0" json:"usedSize"`
	IsActive    bool      `gorm:"not null;default:true" json:"isActive"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Drive) TableName() string {
	return "drives"
}
