package service

import (
	"errors"
	"fmt"
	"strings"

	"cloud-render-go/internal/model"
	"cloud-render-go/internal/repository"

	"gorm.io/gorm"
)

// FolderService 负责虚拟目录树的物化：给定盘符内的虚拟路径，
// 逐段补齐缺失的目录行并返回最深一级目录。
type FolderService struct {
	folderRepo repository.FolderRepository
}

// NewFolderService 创建一个新的 FolderService 实例。
func NewFolderService(folderRepo repository.FolderRepository) *FolderService {
	return &FolderService{folderRepo: folderRepo}
}

// EnsureFolder 确保盘符内给定虚拟路径上的全部目录存在，返回最深一级目录。
// 根路径（"" 或 "/"）返回 nil，根目录文件不挂目录。
// 并发物化同一路径依赖 (drive_id, path) 唯一索引：插入撞到
// gorm.ErrDuplicatedKey 时回退为重读已存在行，而不是报错。
func (s *FolderService) EnsureFolder(driveID uint, path string, createdBy uint) (*model.Folder, error) {
	segments := splitFolderPath(path)
	if len(segments) == 0 {
		return nil, nil
	}

	var parent *model.Folder
	prefix := ""
	for level, name := range segments {
		prefix = prefix + "/" + name

		folder, err := s.folderRepo.FindByDriveAndPath(driveID, prefix)
		if err == nil {
			parent = folder
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("查询目录失败: %w", err)
		}

		created := &model.Folder{
			DriveID:   driveID,
			Path:      prefix,
			Name:      name,
			Level:     level,
			CreatedBy: createdBy,
		}
		if parent != nil {
			pid := parent.ID
			created.ParentID = &pid
		}

		err = s.folderRepo.Create(created)
		switch {
		case err == nil:
			parent = created
		case errors.Is(err, gorm.ErrDuplicatedKey):
			// 并发插入撞了唯一索引，说明别人已经建好了，重读即可
			existing, rerr := s.folderRepo.FindByDriveAndPath(driveID, prefix)
			if rerr != nil {
				return nil, fmt.Errorf("重读并发创建的目录失败: %w", rerr)
			}
			parent = existing
		default:
			return nil, fmt.Errorf("创建目录失败: %w", err)
		}
	}
	return parent, nil
}

// splitFolderPath 将虚拟路径拆为非空路径段，根路径返回空切片。
func splitFolderPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
