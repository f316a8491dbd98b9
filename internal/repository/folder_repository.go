package repository

import (
	"cloud-render-go/internal/model"

	"gorm.io/gorm"
)

// FolderRepository 接口定义了文件夹相关的数据持久化操作。
type FolderRepository interface {
	// Create 插入文件夹行。(drive_id, path) 唯一索引冲突时返回
	// gorm.ErrDuplicatedKey，由调用方回退为重读。
	Create(folder *model.Folder) error
	FindByDriveAndPath(driveID uint, path string) (*model.Folder, error)
}

// folderRepository 是 FolderRepository 接口的 GORM 实现。
type folderRepository struct {
	db *gorm.DB
}

// NewFolderRepository 创建一个新的 FolderRepository 实例。
func NewFolderRepository(db *gorm.DB) FolderRepository {
	return &folderRepository{db: db}
}

func (r *folderRepository) Create(folder *model.Folder) error {
	return r.db.Create(folder).Error
}

func (r *folderRepository) FindByDriveAndPath(driveID uint, path string) (*model.Folder, error) {
	var folder model.Folder
	err := r.db.Where("drive_id = ? AND path = ?", driveID, path).First(&folder).Error
	if err != nil {
		return nil, err
	}
	return &folder, nil
}
