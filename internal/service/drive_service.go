package service

import (
	"errors"
	"fmt"

	"cloud-render-go/internal/model"
	"cloud-render-go/internal/repository"

	"gorm.io/gorm"
)

// CreateDriveRequest 创建盘符的请求。
type CreateDriveRequest struct {
	Name        string `json:"name" binding:"required,max=64"`
	Description string `json:"description" binding:"max=255"`
	TotalSize   int64  `json:"total_size"`
}

// DriveService 负责个人盘符的创建与查询。
type DriveService struct {
	driveRepo repository.DriveRepository
	fileRepo  repository.FileRepository
}

// NewDriveService 创建一个新的 DriveService 实例。
func NewDriveService(driveRepo repository.DriveRepository, fileRepo repository.FileRepository) *DriveService {
	return &DriveService{driveRepo: driveRepo, fileRepo: fileRepo}
}

// CreateDrive 为用户创建一个盘符。
func (s *DriveService) CreateDrive(userID uint, req *CreateDriveRequest) (*model.Drive, error) {
	drive := &model.Drive{
		Name:        req.Name,
		Description: req.Description,
		UserID:      userID,
		TotalSize:   req.TotalSize,
		IsActive:    true,
	}
	if err := s.driveRepo.Create(drive); err != nil {
		return nil, fmt.Errorf("创建盘符失败: %w", err)
	}
	return drive, nil
}

// GetDrive 查询调用者自己的盘符。
func (s *DriveService) GetDrive(driveID, userID uint) (*model.Drive, error) {
	drive, err := s.driveRepo.FindByIDAndUser(driveID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return drive, nil
}

// ListDrives 列出用户的全部盘符。
func (s *DriveService) ListDrives(userID uint) ([]model.Drive, error) {
	return s.driveRepo.ListByUser(userID)
}

// ListFiles 列出盘符内的文件，folderID 为空时列根目录外全部文件。
func (s *DriveService) ListFiles(driveID, userID uint, folderID *uint) ([]model.File, error) {
	if _, err := s.GetDrive(driveID, userID); err != nil {
		return nil, err
	}
	return s.fileRepo.ListByDrive(driveID, folderID)
}
