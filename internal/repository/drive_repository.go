package repository

import (
	"cloud-render-go/internal/model"

	"gorm.io/gorm"
)

// DriveRepository 接口定义了盘符相关的数据持久化操作。
type DriveRepository interface {
	Create(drive *model.Drive) error
	FindByID(id uint) (*model.Drive, error)
	// FindByIDAndUser 查找属于指定用户的盘符，用于所有权校验。
	FindByIDAndUser(id, userID uint) (*model.Drive, error)
	ListByUser(userID uint) ([]model.Drive, error)
	// AddUsedSize 原子累加盘符已用空间。
	AddUsedSize(id uint, delta int64) error
}

// driveRepository 是 DriveRepository 接口的 GORM 实现。
type driveRepository struct {
	db *gorm.DB
}

// NewDriveRepository 创建一个新的 DriveRepository 实例。
func NewDriveRepository(db *gorm.DB) DriveRepository {
	return &driveRepository{db: db}
}

func (r *driveRepository) Create(drive *model.Drive) error {
	return r.db.Create(drive).Error
}

func (r *driveRepository) FindByID(id uint) (*model.Drive, error) {
	var drive model.Drive
	if err := r.db.First(&drive, id).Error; err != nil {
		return nil, err
	}
	return &drive, nil
}

func (r *driveRepository) FindByIDAndUser(id, userID uint) (*model.Drive, error) {
	var drive model.Drive
	err := r.db.Where("id = ? AND user_id = ? AND is_active = ?", id, userID, true).First(&drive).Error
	if err != nil {
		return nil, err
	}
	return &drive, nil
}

func (r *driveRepository) ListByUser(userID uint) ([]model.Drive, error) {
	var drives []model.Drive
	err := r.db.Where("user_id = ?", userID).Order("created_at asc").Find(&drives).Error
	return drives, err
}

func (r *driveRepository) AddUsedSize(id uint, delta int64) error {
	return r.db.Model(&model.Drive{}).Where("id = ?", id).
		UpdateColumn("used_size", gorm.Expr("used_size + ?", delta)).Error
}
