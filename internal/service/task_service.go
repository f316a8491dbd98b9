package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud-render-go/internal/model"
	"cloud-render-go/internal/repository"
	"cloud-render-go/pkg/kafka"
	"cloud-render-go/pkg/log"
	"cloud-render-go/pkg/storage"

	"gorm.io/gorm"
)

// TaskFileDecl 客户端清单中声明的单个文件。
type TaskFileDecl struct {
	LocalPath        string `json:"local_path" binding:"required"`
	TargetFolderPath string `json:"target_folder_path"`
	FileName         string `json:"file_name" binding:"required"`
	FileSize         int64  `json:"file_size" binding:"required,min=1"`
	MD5              string `json:"md5"`
	MimeType         string `json:"mime_type"`
}

// CreateTaskRequest 创建上传任务的请求。
type CreateTaskRequest struct {
	DriveID  uint           `json:"drive_id" binding:"required"`
	Name     string         `json:"name" binding:"required"`
	Priority int            `json:"priority"`
	Files    []TaskFileDecl `json:"files" binding:"required,min=1,dive"`
}

// TaskProgress 任务进度视图，供客户端轮询。
type TaskProgress struct {
	TaskID          uint    `json:"task_id"`
	Status          string  `json:"status"`
	TotalFiles      int     `json:"total_files"`
	UploadedFiles   int     `json:"uploaded_files"`
	RemainingFiles  int     `json:"remaining_files"`
	TotalSize       int64   `json:"total_size"`
	UploadedSize    int64   `json:"uploaded_size"`
	RemainingSize   int64   `json:"remaining_size"`
	ProgressPct     float64 `json:"progress_pct"`
	SizeProgressPct float64 `json:"size_progress_pct"`
}

// TaskService 是任务聚合器：持有 UploadTask 实体的生命周期，
// 负责汇总进度重算、完成检测与存储清单落盘。
type TaskService struct {
	taskRepo   repository.TaskRepository
	driveRepo  repository.DriveRepository
	folderSvc  *FolderService
	store      storage.ObjectStorage
	producer   *kafka.Producer
	taskLocker *keyedLocker
}

// NewTaskService 创建一个新的 TaskService 实例。producer 允许为 nil。
func NewTaskService(
	taskRepo repository.TaskRepository,
	driveRepo repository.DriveRepository,
	folderSvc *FolderService,
	store storage.ObjectStorage,
	producer *kafka.Producer,
) *TaskService {
	return &TaskService{
		taskRepo:   taskRepo,
		driveRepo:  driveRepo,
		folderSvc:  folderSvc,
		store:      store,
		producer:   producer,
		taskLocker: newKeyedLocker(),
	}
}

func taskLockKey(taskID uint) string {
	return fmt.Sprintf("task:%d", taskID)
}

// CreateTask 校验盘符归属后，原子地创建任务及其全部任务文件，
// 并预先物化每个文件的目标目录。盘符不可访问时返回 ErrNotFound。
func (s *TaskService) CreateTask(userID uint, req *CreateTaskRequest) (*model.UploadTask, error) {
	if _, err := s.driveRepo.FindByIDAndUser(req.DriveID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("校验盘符失败: %w", err)
	}

	manifest, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化上传清单失败: %w", err)
	}

	priority := req.Priority
	if priority == 0 {
		priority = 5
	}

	task := &model.UploadTask{
		UserID:         userID,
		DriveID:        req.DriveID,
		Name:           req.Name,
		Status:         model.TaskStatusPending,
		Priority:       priority,
		TotalFiles:     len(req.Files),
		UploadManifest: manifest,
	}

	files := make([]*model.TaskFile, 0, len(req.Files))
	for _, decl := range req.Files {
		task.TotalSize += decl.FileSize

		// 目录预物化，并发重复创建由唯一索引兜底
		if _, err := s.folderSvc.EnsureFolder(req.DriveID, decl.TargetFolderPath, userID); err != nil {
			return nil, err
		}

		files = append(files, &model.TaskFile{
			LocalPath:        decl.LocalPath,
			TargetFolderPath: decl.TargetFolderPath,
			FileName:         decl.FileName,
			FileSize:         decl.FileSize,
			MD5:              decl.MD5,
			MimeType:         decl.MimeType,
			Status:           model.FileStatusPending,
		})
	}

	if err := s.taskRepo.CreateTaskWithFiles(task, files); err != nil {
		return nil, fmt.Errorf("创建上传任务失败: %w", err)
	}

	log.Infof("上传任务创建成功: task_id=%d, 文件数=%d, 总大小=%d", task.ID, task.TotalFiles, task.TotalSize)
	return task, nil
}

// GetTask 查询调用者自己的任务。
func (s *TaskService) GetTask(taskID, userID uint) (*model.UploadTask, error) {
	task, err := s.taskRepo.FindTaskByIDAndUser(taskID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks 分页列出调用者的任务，可按状态过滤。
func (s *TaskService) ListTasks(userID uint, status string, page, pageSize int) ([]model.UploadTask, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.taskRepo.ListTasks(userID, status, (page-1)*pageSize, pageSize)
}

// TaskFiles 分页列出任务内的文件。
func (s *TaskService) TaskFiles(taskID, userID uint, page, pageSize int) ([]model.TaskFile, int64, error) {
	if _, err := s.GetTask(taskID, userID); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	return s.taskRepo.FindTaskFiles(taskID, (page-1)*pageSize, pageSize)
}

// Progress 返回任务进度视图，所有权校验后优先走 Redis 缓存。
func (s *TaskService) Progress(ctx context.Context, taskID, userID uint) (*TaskProgress, error) {
	task, err := s.GetTask(taskID, userID)
	if err != nil {
		return nil, err
	}

	var cached TaskProgress
	if hit, cerr := s.taskRepo.GetCachedProgress(ctx, taskID, &cached); cerr == nil && hit && cached.TaskID == taskID {
		return &cached, nil
	}

	p := &TaskProgress{
		TaskID:          task.ID,
		Status:          task.Status,
		TotalFiles:      task.TotalFiles,
		UploadedFiles:   task.UploadedFiles,
		RemainingFiles:  task.RemainingFiles(),
		TotalSize:       task.TotalSize,
		UploadedSize:    task.UploadedSize,
		RemainingSize:   task.RemainingSize(),
		ProgressPct:     task.ProgressPercentage(),
		SizeProgressPct: task.SizeProgressPercentage(),
	}
	if err := s.taskRepo.CacheProgress(ctx, taskID, p); err != nil {
		log.Warnf("写入进度缓存失败: task_id=%d, err=%v", taskID, err)
	}
	return p, nil
}

// OnFileTerminal 在任一任务文件到达终态后被传输协调器调用一次。
// 汇总计数总是对全部子文件重算而非增量累加，因此并发完成下天然幂等；
// 同一任务行的写入由按键互斥串行化，避免两个文件同时完成时的丢失更新。
// 当且仅当所有文件都处于成功终态时任务转为 COMPLETED 并落盘存储清单。
func (s *TaskService) OnFileTerminal(ctx context.Context, taskID uint) error {
	unlock := s.taskLocker.Lock(taskLockKey(taskID))
	defer unlock()

	task, err := s.taskRepo.FindTaskByID(taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	// 终态任务不再被文件事件回拉
	if task.IsTerminal() {
		return nil
	}

	files, err := s.taskRepo.FindAllTaskFiles(taskID)
	if err != nil {
		return fmt.Errorf("读取任务文件失败: %w", err)
	}

	var uploadedFiles int
	var uploadedSize, storageSaved int64
	allSuccess := len(files) > 0
	for i := range files {
		f := &files[i]
		if f.IsSuccessTerminal() {
			uploadedFiles++
			uploadedSize += f.FileSize
			if f.IsDuplicated {
				storageSaved += f.FileSize
			}
		} else {
			allSuccess = false
		}
	}

	task.UploadedFiles = uploadedFiles
	task.UploadedSize = uploadedSize

	if allSuccess {
		now := time.Now()
		task.Status = model.TaskStatusCompleted
		task.CompletedAt = &now

		manifest := BuildStorageManifest(task, files)
		raw, merr := MarshalStorageManifest(manifest)
		if merr != nil {
			return merr
		}
		task.StorageManifest = raw
	} else {
		task.Status = model.TaskStatusUploading
	}

	if err := s.taskRepo.SaveTask(task); err != nil {
		return fmt.Errorf("保存任务汇总失败: %w", err)
	}
	if err := s.taskRepo.InvalidateProgress(ctx, taskID); err != nil {
		log.Warnf("失效进度缓存失败: task_id=%d, err=%v", taskID, err)
	}

	if allSuccess {
		log.Infof("上传任务完成: task_id=%d, 文件数=%d, 秒传节省=%d 字节", task.ID, task.TotalFiles, storageSaved)
		s.emitTaskEvent(ctx, "task_completed", task, storageSaved)
	}
	return nil
}

// CancelTask 取消一个非终态任务。策略：同时中止所有仍在分片上传中的
// 文件会话并将其标记为 FAILED，避免"已取消的任务仍悄悄长出完成文件"。
func (s *TaskService) CancelTask(ctx context.Context, taskID, userID uint) (*model.UploadTask, error) {
	task, err := s.GetTask(taskID, userID)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal() {
		return nil, ErrInvalidState
	}

	unlock := s.taskLocker.Lock(taskLockKey(taskID))
	defer unlock()

	files, err := s.taskRepo.FindAllTaskFiles(taskID)
	if err != nil {
		return nil, fmt.Errorf("读取任务文件失败: %w", err)
	}
	for i := range files {
		f := &files[i]
		if f.ChunkSession == nil || f.IsSuccessTerminal() {
			continue
		}
		if aerr := s.store.AbortMultipart(ctx, f.ObjectKey, f.ChunkSession.UploadID); aerr != nil {
			log.Warnf("中止分片会话失败: task_file_id=%d, err=%v", f.ID, aerr)
		}
		f.ChunkSession = nil
		f.Status = model.FileStatusFailed
		f.ErrorMessage = "任务已取消"
		if serr := s.taskRepo.SaveTaskFile(f); serr != nil {
			return nil, fmt.Errorf("保存任务文件失败: %w", serr)
		}
	}

	task.Status = model.TaskStatusCancelled
	if err := s.taskRepo.SaveTask(task); err != nil {
		return nil, fmt.Errorf("保存任务失败: %w", err)
	}
	if err := s.taskRepo.InvalidateProgress(ctx, taskID); err != nil {
		log.Warnf("失效进度缓存失败: task_id=%d, err=%v", taskID, err)
	}

	log.Infof("上传任务已取消: task_id=%d", taskID)
	s.emitTaskEvent(ctx, "task_cancelled", task, 0)
	return task, nil
}

// DeleteTask 删除调用者自己的任务，级联删除全部任务文件。
func (s *TaskService) DeleteTask(ctx context.Context, taskID, userID uint) error {
	if _, err := s.GetTask(taskID, userID); err != nil {
		return err
	}
	if err := s.taskRepo.DeleteTask(taskID); err != nil {
		return fmt.Errorf("删除任务失败: %w", err)
	}
	if err := s.taskRepo.InvalidateProgress(ctx, taskID); err != nil {
		log.Warnf("失效进度缓存失败: task_id=%d, err=%v", taskID, err)
	}
	return nil
}

// ExportManifest 生成任务当前的存储清单即时视图（只读投影）。
func (s *TaskService) ExportManifest(taskID, userID uint) (*StorageManifest, error) {
	task, err := s.GetTask(taskID, userID)
	if err != nil {
		return nil, err
	}
	files, err := s.taskRepo.FindAllTaskFiles(taskID)
	if err != nil {
		return nil, fmt.Errorf("读取任务文件失败: %w", err)
	}
	return BuildStorageManifest(task, files), nil
}

func (s *TaskService) emitTaskEvent(ctx context.Context, eventType string, task *model.UploadTask, storageSaved int64) {
	event := kafka.TaskEvent{
		EventType:     eventType,
		TaskID:        task.ID,
		TaskName:      task.Name,
		UserID:        task.UserID,
		DriveID:       task.DriveID,
		UploadedFiles: task.UploadedFiles,
		TotalFiles:    task.TotalFiles,
		UploadedSize:  task.UploadedSize,
		TotalSize:     task.TotalSize,
		StorageSaved:  storageSaved,
		OccurredAt:    time.Now(),
	}
	if err := s.producer.ProduceTaskEvent(ctx, event); err != nil {
		log.Warnf("投递任务事件失败: task_id=%d, event=%s, err=%v", task.ID, eventType, err)
	}
}
