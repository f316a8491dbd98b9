package repository

import (
	"cloud-render-go/internal/model"

	"gorm.io/gorm"
)

// FileRepository 接口定义了文件相关的数据持久化操作，
// 其中按 MD5 的查询构成去重索引（秒传检测）。
type FileRepository interface {
	Create(file *model.File) error
	FindByID(id uint) (*model.File, error)
	// FindByMD5 按内容哈希查找任意一条已落库文件记录。
	FindByMD5(md5 string) (*model.File, error)
	// FindBatchByMD5s 批量按内容哈希查找，用于任务级秒传预检。
	FindBatchByMD5s(md5s []string) ([]model.File, error)
	ListByDrive(driveID uint, folderID *uint) ([]model.File, error)
}

// fileRepository 是 FileRepository 接口的 GORM 实现。
type fileRepository struct {
	db *gorm.DB
}

// NewFileRepository 创建一个新的 FileRepository 实例。
func NewFileRepository(db *gorm.DB) FileRepository {
	return &fileRepository{db: db}
}

func (r *fileRepository) Create(file *model.File) error {
	return r.db.Create(file).Error
}

func (r *fileRepository) FindByID(id uint) (*model.File, error) {
	var file model.File
	if err := r.db.First(&file, id).Error; err != nil {
		return nil, err
	}
	return &file, nil
}

func (r *fileRepository) FindByMD5(md5 string) (*model.File, error) {
	var file model.File
	err := r.db.Where("md5 = ?", md5).Order("id asc").First(&file).Error
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (r *fileRepository) FindBatchByMD5s(md5s []string) ([]model.File, error) {
	var files []model.File
	if len(md5s) == 0 {
		return files, nil
	}
	err := r.db.Where("md5 IN ?", md5s).Order("id asc").Find(&files).Error
	return files, err
}

func (r *fileRepository) ListByDrive(driveID uint, folderID *uint) ([]model.File, error) {
	var files []model.File
	q := r.db.Where("drive_id = ?", driveID)
	if folderID != nil {
		q = q.Where("folder_id = ?", *folderID)
	}
	err := q.Order("name asc").Find(&files).Error
	return files, err
}
