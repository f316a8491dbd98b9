package service

import (
	"encoding/json"
	"fmt"

	"cloud-render-go/internal/model"
)

// StorageManifestSummary 清单汇总段。
type StorageManifestSummary struct {
	TotalFiles    int   `json:"total_files"`
	UploadedFiles int   `json:"uploaded_files"`
	FailedFiles   int   `json:"failed_files"`
	SkippedFiles  int   `json:"skipped_files"`
	TotalSize     int64 `json:"total_size"`
	StorageSaved  int64 `json:"storage_saved"`
}

// StorageManifestFile 清单中单个已解析文件的条目。
type StorageManifestFile struct {
	FileID       *uint  `json:"file_id"`
	LocalPath    string `json:"local_path"`
	VirtualPath  string `json:"virtual_path"`
	FileName     string `json:"file_name"`
	Size         int64  `json:"size"`
	MD5          string `json:"md5"`
	ObjectKey    string `json:"oss_key"`
	ObjectURL    string `json:"oss_url"`
	IsDuplicated bool   `json:"is_duplicated"`
	Status       string `json:"status"`
}

// StorageManifestMappings 三张便捷映射表。
type StorageManifestMappings struct {
	LocalToOSS     map[string]string `json:"local_to_oss"`
	LocalToVirtual map[string]string `json:"local_to_virtual"`
	OSSToFileID    map[string]uint   `json:"oss_to_file_id"`
}

// StorageManifest 任务完成时生成的存储清单，把客户端本地标识
// 映射到服务端存储标识。JSON 形状是对外契约，字段名不可更改。
type StorageManifest struct {
	TaskID    uint                    `json:"task_id"`
	TaskName  string                  `json:"task_name"`
	DriveID   uint                    `json:"drive_id"`
	Summary   StorageManifestSummary  `json:"summary"`
	Files     []StorageManifestFile   `json:"files"`
	Mappings  StorageManifestMappings `json:"mappings"`
	CreatedAt string                  `json:"created_at"`
}

// BuildStorageManifest 对任务当前的全部任务文件做纯投影，生成存储清单。
// 无副作用，可在任意时刻调用生成即时视图；只有任务完成时
// 聚合器才会把结果持久化到任务行上。
func BuildStorageManifest(task *model.UploadTask, files []model.TaskFile) *StorageManifest {
	m := &StorageManifest{
		TaskID:   task.ID,
		TaskName: task.Name,
		DriveID:  task.DriveID,
		Files:    make([]StorageManifestFile, 0, len(files)),
		Mappings: StorageManifestMappings{
			LocalToOSS:     make(map[string]string),
			LocalToVirtual: make(map[string]string),
			OSSToFileID:    make(map[string]uint),
		},
	}
	if task.CompletedAt != nil {
		m.CreatedAt = task.CompletedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	} else {
		m.CreatedAt = task.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}

	for i := range files {
		f := &files[i]
		m.Summary.TotalFiles++
		m.Summary.TotalSize += f.FileSize

		// uploaded/skipped/failed 三桶互斥
		switch f.Status {
		case model.FileStatusCompleted:
			m.Summary.UploadedFiles++
		case model.FileStatusSkipped:
			m.Summary.SkippedFiles++
		case model.FileStatusFailed:
			m.Summary.FailedFiles++
		}
		if f.IsDuplicated {
			m.Summary.StorageSaved += f.FileSize
		}

		if !f.IsSuccessTerminal() {
			continue
		}

		m.Files = append(m.Files, StorageManifestFile{
			FileID:       f.FileID,
			LocalPath:    f.LocalPath,
			VirtualPath:  f.VirtualPath(),
			FileName:     f.FileName,
			Size:         f.FileSize,
			MD5:          f.MD5,
			ObjectKey:    f.ObjectKey,
			ObjectURL:    f.ObjectURL,
			IsDuplicated: f.IsDuplicated,
			Status:       f.Status,
		})

		m.Mappings.LocalToOSS[f.LocalPath] = f.ObjectKey
		m.Mappings.LocalToVirtual[f.LocalPath] = f.VirtualPath()
		if f.FileID != nil {
			m.Mappings.OSSToFileID[f.ObjectKey] = *f.FileID
		}
	}
	return m
}

// MarshalStorageManifest 序列化清单，供持久化到任务行。
func MarshalStorageManifest(m *StorageManifest) (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("序列化存储清单失败: %w", err)
	}
	return data, nil
}
