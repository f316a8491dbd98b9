package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cloud-render-go/internal/model"
	"cloud-render-go/internal/repository"
	"cloud-render-go/pkg/log"
	"cloud-render-go/pkg/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CheckFileResult 批量秒传预检中单个文件的结果。
type CheckFileResult struct {
	TaskFileID uint   `json:"task_file_id"`
	FileName   string `json:"file_name"`
	MD5        string `json:"md5"`
	Exists     bool   `json:"exists"`
	FileID     *uint  `json:"file_id,omitempty"`
}

// CheckFilesResult 批量秒传预检的汇总结果。
type CheckFilesResult struct {
	Results       []CheckFileResult `json:"results"`
	NewFilesCount int               `json:"new_files_count"`
	SkippedCount  int               `json:"skipped_count"`
	StorageSaved  int64             `json:"storage_saved"`
}

// ChunkUploadResult 单个分片上传后的簿记快照。
type ChunkUploadResult struct {
	ETag          string  `json:"etag"`
	UploadedCount int     `json:"uploaded_count"`
	TotalChunks   int     `json:"total_chunks"`
	ProgressPct   float64 `json:"progress_pct"`
}

// MultipartInitResult 分片会话初始化结果。
type MultipartInitResult struct {
	UploadID    string `json:"upload_id"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

// UploadService 是传输协调器：驱动单个任务文件的单次或分片传输协议，
// 维护文件级状态机，并在文件到达成功终态后触发任务级汇总重算。
type UploadService struct {
	taskRepo   repository.TaskRepository
	fileRepo   repository.FileRepository
	driveRepo  repository.DriveRepository
	folderSvc  *FolderService
	taskSvc    *TaskService
	searchSvc  *SearchService
	store      storage.ObjectStorage
	chunkSize  int64
	largeFile  int64 // 达到该阈值的文件必须走分片协议
	fileLocker *keyedLocker
}

// NewUploadService 创建一个新的 UploadService 实例。searchSvc 允许为 nil。
func NewUploadService(
	taskRepo repository.TaskRepository,
	fileRepo repository.FileRepository,
	driveRepo repository.DriveRepository,
	folderSvc *FolderService,
	taskSvc *TaskService,
	searchSvc *SearchService,
	store storage.ObjectStorage,
	chunkSize, largeFileThreshold int64,
) *UploadService {
	return &UploadService{
		taskRepo:   taskRepo,
		fileRepo:   fileRepo,
		driveRepo:  driveRepo,
		folderSvc:  folderSvc,
		taskSvc:    taskSvc,
		searchSvc:  searchSvc,
		store:      store,
		chunkSize:  chunkSize,
		largeFile:  largeFileThreshold,
		fileLocker: newKeyedLocker(),
	}
}

func taskFileLockKey(id uint) string {
	return fmt.Sprintf("task_file:%d", id)
}

// generateObjectKey 生成新的对象键：uploads/<yyyy/mm/dd>/<uuid><ext>。
func generateObjectKey(fileName string) string {
	return fmt.Sprintf("uploads/%s/%s%s",
		time.Now().Format("2006/01/02"), uuid.NewString(), model.FileExtension(fileName))
}

// loadOwnedTaskFile 读取任务文件并校验其所属任务归调用者所有。
func (s *UploadService) loadOwnedTaskFile(taskFileID, userID uint) (*model.TaskFile, *model.UploadTask, error) {
	f, err := s.taskRepo.FindTaskFileByID(taskFileID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	task, err := s.taskRepo.FindTaskByIDAndUser(f.TaskID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return f, task, nil
}

// CheckFiles 对任务内全部待上传文件做批量秒传预检。每个命中的文件立即
// 标记为 SKIPPED，在目标盘新建一条共享对象键的 File 记录，并把声明大小
// 累入 storage_saved。预检只是咨询性质，真正的去重保证来自传输完成后的
// 二次哈希比对。单个文件出错不影响其余文件的结果。
func (s *UploadService) CheckFiles(ctx context.Context, taskID, userID uint) (*CheckFilesResult, error) {
	task, err := s.taskRepo.FindTaskByIDAndUser(taskID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	files, err := s.taskRepo.FindAllTaskFiles(taskID)
	if err != nil {
		return nil, fmt.Errorf("读取任务文件失败: %w", err)
	}

	md5s := make([]string, 0, len(files))
	for i := range files {
		if files[i].Status == model.FileStatusPending && files[i].MD5 != "" {
			md5s = append(md5s, files[i].MD5)
		}
	}
	matched, err := s.fileRepo.FindBatchByMD5s(md5s)
	if err != nil {
		return nil, fmt.Errorf("批量查询去重索引失败: %w", err)
	}
	// 同一哈希取最早落库的一条
	byMD5 := make(map[string]*model.File, len(matched))
	for i := range matched {
		if _, ok := byMD5[matched[i].MD5]; !ok {
			byMD5[matched[i].MD5] = &matched[i]
		}
	}

	result := &CheckFilesResult{Results: make([]CheckFileResult, 0, len(files))}
	for i := range files {
		f := &files[i]
		if f.Status != model.FileStatusPending {
			continue
		}

		entry := CheckFileResult{TaskFileID: f.ID, FileName: f.FileName, MD5: f.MD5}
		existing, hit := byMD5[f.MD5]
		if f.MD5 == "" || !hit {
			result.NewFilesCount++
			result.Results = append(result.Results, entry)
			continue
		}

		if err := s.resolveDuplicate(ctx, f, task, existing, model.FileStatusSkipped); err != nil {
			log.Errorf("秒传解析失败: task_file_id=%d, err=%v", f.ID, err)
			result.NewFilesCount++
			result.Results = append(result.Results, entry)
			continue
		}

		entry.Exists = true
		entry.FileID = f.FileID
		result.SkippedCount++
		result.StorageSaved += f.FileSize
		result.Results = append(result.Results, entry)

		if err := s.taskSvc.OnFileTerminal(ctx, task.ID); err != nil {
			log.Errorf("任务汇总重算失败: task_id=%d, err=%v", task.ID, err)
		}
	}

	log.Infof("秒传预检完成: task_id=%d, 命中=%d, 新文件=%d, 节省=%d 字节",
		taskID, result.SkippedCount, result.NewFilesCount, result.StorageSaved)
	return result, nil
}

// UploadFile 单次上传路径（小文件）。对收到的字节计算内容哈希，命中
// 去重索引时直接丢弃字节、按秒传解析；否则写入对象存储并落 File 记录。
// 任何传输异常都收敛为文件级 FAILED 并累加重试计数。
func (s *UploadService) UploadFile(ctx context.Context, taskFileID, userID uint, data []byte, mimeType string) (*model.TaskFile, error) {
	f, task, err := s.loadOwnedTaskFile(taskFileID, userID)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal() {
		return nil, ErrInvalidState
	}
	if int64(len(data)) >= s.largeFile {
		return nil, fmt.Errorf("%w: 文件达到 %d 字节，应使用分片上传", ErrInvalidState, s.largeFile)
	}

	unlock := s.fileLocker.Lock(taskFileLockKey(f.ID))
	defer unlock()

	// 锁内重读，并发的同文件上传只有第一个能通过终态检查
	f, err = s.taskRepo.FindTaskFileByID(taskFileID)
	if err != nil {
		return nil, err
	}
	if f.IsSuccessTerminal() {
		return nil, ErrInvalidState
	}

	f.Status = model.FileStatusUploading
	if mimeType != "" {
		f.MimeType = mimeType
	}
	if err := s.taskRepo.SaveTaskFile(f); err != nil {
		return nil, fmt.Errorf("保存任务文件失败: %w", err)
	}

	sum := md5.Sum(data)
	contentMD5 := hex.EncodeToString(sum[:])
	f.MD5 = contentMD5
	f.FileSize = int64(len(data))

	// 实收字节的哈希才可信，落库前再查一次去重索引
	if existing, derr := s.fileRepo.FindByMD5(contentMD5); derr == nil {
		if err := s.resolveDuplicate(ctx, f, task, existing, model.FileStatusSkipped); err != nil {
			return nil, err
		}
		if err := s.taskSvc.OnFileTerminal(ctx, task.ID); err != nil {
			log.Errorf("任务汇总重算失败: task_id=%d, err=%v", task.ID, err)
		}
		return f, nil
	} else if !errors.Is(derr, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询去重索引失败: %w", derr)
	}

	key := generateObjectKey(f.FileName)
	url, err := s.store.PutObject(ctx, key, data, f.MimeType)
	if err != nil {
		s.markFailed(f, fmt.Sprintf("写入对象存储失败: %v", err))
		return nil, fmt.Errorf("写入对象存储失败: %w", err)
	}

	if err := s.resolveOriginal(ctx, f, task, key, url); err != nil {
		return nil, err
	}
	if err := s.taskSvc.OnFileTerminal(ctx, task.ID); err != nil {
		log.Errorf("任务汇总重算失败: task_id=%d, err=%v", task.ID, err)
	}
	return f, nil
}

// InitMultipart 打开大文件的分片上传会话。固定分片大小，
// totalChunks = ceil(声明大小 / 分片大小)。
func (s *UploadService) InitMultipart(ctx context.Context, taskFileID, userID uint) (*MultipartInitResult, error) {
	f, task, err := s.loadOwnedTaskFile(taskFileID, userID)
	if err != nil {
		return nil, err
	}
	if f.IsSuccessTerminal() || task.IsTerminal() {
		return nil, ErrInvalidState
	}

	unlock := s.fileLocker.Lock(taskFileLockKey(f.ID))
	defer unlock()

	if f.ChunkSession != nil {
		// 会话已存在时直接返回既有簿记，客户端可断点续传
		return &MultipartInitResult{
			UploadID:    f.ChunkSession.UploadID,
			ChunkSize:   f.ChunkSession.ChunkSize,
			TotalChunks: f.ChunkSession.TotalChunks,
		}, nil
	}

	key := generateObjectKey(f.FileName)
	uploadID, err := s.store.InitMultipart(ctx, key)
	if err != nil {
		s.markFailed(f, fmt.Sprintf("打开分片会话失败: %v", err))
		return nil, fmt.Errorf("打开分片会话失败: %w", err)
	}

	totalChunks := int((f.FileSize + s.chunkSize - 1) / s.chunkSize)
	if totalChunks < 1 {
		totalChunks = 1
	}

	f.ObjectKey = key
	f.Status = model.FileStatusUploading
	f.ChunkSession = &model.ChunkSession{
		UploadID:    uploadID,
		ChunkSize:   s.chunkSize,
		TotalChunks: totalChunks,
		Tags:        make(map[int]string),
	}
	if err := s.taskRepo.SaveTaskFile(f); err != nil {
		return nil, fmt.Errorf("保存任务文件失败: %w", err)
	}

	log.Infof("分片会话已打开: task_file_id=%d, upload_id=%s, 分片数=%d", f.ID, uploadID, totalChunks)
	return &MultipartInitResult{UploadID: uploadID, ChunkSize: s.chunkSize, TotalChunks: totalChunks}, nil
}

// UploadChunk 上传一个分片，index 从 1 开始。重复上传同一序号只会
// 覆盖其 ETag 而不会重复计数，uploadedCount 始终是去重后的分片基数，
// 因此协议天然容忍乱序与重复投递。同一文件的并发分片由按键互斥串行化。
func (s *UploadService) UploadChunk(ctx context.Context, taskFileID, userID uint, index int, data []byte) (*ChunkUploadResult, error) {
	f, task, err := s.loadOwnedTaskFile(taskFileID, userID)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal() {
		return nil, ErrInvalidState
	}

	unlock := s.fileLocker.Lock(taskFileLockKey(f.ID))
	defer unlock()

	// 锁内重读，避免并发分片覆盖彼此的簿记
	f, err = s.taskRepo.FindTaskFileByID(taskFileID)
	if err != nil {
		return nil, err
	}
	if f.ChunkSession == nil {
		return nil, ErrInvalidState
	}
	session := f.ChunkSession
	if index < 1 || index > session.TotalChunks {
		return nil, fmt.Errorf("%w: 分片序号 %d 超出范围 [1, %d]", ErrInvalidState, index, session.TotalChunks)
	}

	etag, err := s.store.UploadPart(ctx, f.ObjectKey, session.UploadID, index, data)
	if err != nil {
		return nil, fmt.Errorf("上传分片失败: %w", err)
	}

	session.Tags[index] = etag
	f.UploadProgress = float64(session.UploadedCount()) / float64(session.TotalChunks) * 100
	if err := s.taskRepo.SaveTaskFile(f); err != nil {
		return nil, fmt.Errorf("保存分片簿记失败: %w", err)
	}

	return &ChunkUploadResult{
		ETag:          etag,
		UploadedCount: session.UploadedCount(),
		TotalChunks:   session.TotalChunks,
		ProgressPct:   f.UploadProgress,
	}, nil
}

// CompleteMultipart 合并分片为最终对象。etags 为空时使用服务端簿记。
// 合并成功后取对象的最终内容哈希做传输后去重比对：命中则删除刚合并的
// 冗余对象、按既有对象解析；否则按原件解析。合并失败会中止会话，
// 合并后读不到内容哈希会回收对象，两者都把文件标记为 FAILED。
func (s *UploadService) CompleteMultipart(ctx context.Context, taskFileID, userID uint, etags map[int]string) (*model.TaskFile, error) {
	f, task, err := s.loadOwnedTaskFile(taskFileID, userID)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal() {
		return nil, ErrInvalidState
	}

	unlock := s.fileLocker.Lock(taskFileLockKey(f.ID))
	defer unlock()

	f, err = s.taskRepo.FindTaskFileByID(taskFileID)
	if err != nil {
		return nil, err
	}
	if f.ChunkSession == nil {
		return nil, ErrInvalidState
	}
	session := f.ChunkSession

	if len(etags) == 0 {
		etags = session.Tags
	}
	if len(etags) != session.TotalChunks {
		return nil, fmt.Errorf("%w: 分片不完整 (%d/%d)", ErrInvalidState, len(etags), session.TotalChunks)
	}

	url, err := s.store.CompleteMultipart(ctx, f.ObjectKey, session.UploadID, etags)
	if err != nil {
		if aerr := s.store.AbortMultipart(ctx, f.ObjectKey, session.UploadID); aerr != nil {
			log.Warnf("中止分片会话失败: task_file_id=%d, err=%v", f.ID, aerr)
		}
		f.ChunkSession = nil
		s.markFailed(f, fmt.Sprintf("合并分片失败: %v", err))
		return nil, fmt.Errorf("合并分片失败: %w", err)
	}

	contentMD5, err := s.store.ContentHash(ctx, f.ObjectKey)
	if err != nil {
		// 拿不到实存哈希就无法落去重索引，按传输失败处理并回收已合并的对象
		if derr := s.store.Delete(ctx, f.ObjectKey); derr != nil {
			log.Warnf("删除对象失败: key=%s, err=%v", f.ObjectKey, derr)
		}
		f.ChunkSession = nil
		s.markFailed(f, fmt.Sprintf("读取对象内容哈希失败: %v", err))
		return nil, fmt.Errorf("读取对象内容哈希失败: %w", err)
	}
	f.MD5 = contentMD5
	f.ChunkSession = nil

	// 传输后去重：声明哈希不可信，合并完成后以实存对象的哈希再比一次
	if existing, derr := s.fileRepo.FindByMD5(contentMD5); derr == nil && existing.ObjectKey != f.ObjectKey {
		assembled := f.ObjectKey
		if err := s.resolveDuplicate(ctx, f, task, existing, model.FileStatusCompleted); err != nil {
			return nil, err
		}
		if derr := s.store.Delete(ctx, assembled); derr != nil {
			log.Warnf("删除冗余对象失败: key=%s, err=%v", assembled, derr)
		}
	} else if derr != nil && !errors.Is(derr, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询去重索引失败: %w", derr)
	} else {
		if err := s.resolveOriginal(ctx, f, task, f.ObjectKey, url); err != nil {
			return nil, err
		}
	}

	if err := s.taskSvc.OnFileTerminal(ctx, task.ID); err != nil {
		log.Errorf("任务汇总重算失败: task_id=%d, err=%v", task.ID, err)
	}
	return f, nil
}

// AbortMultipart 显式中止分片会话：中止存储侧会话、清空分片簿记，
// 并以给定原因把文件标记为 FAILED（中止建模为失败而非独立终态）。
func (s *UploadService) AbortMultipart(ctx context.Context, taskFileID, userID uint, reason string) error {
	f, _, err := s.loadOwnedTaskFile(taskFileID, userID)
	if err != nil {
		return err
	}

	unlock := s.fileLocker.Lock(taskFileLockKey(f.ID))
	defer unlock()

	f, err = s.taskRepo.FindTaskFileByID(taskFileID)
	if err != nil {
		return err
	}
	if f.ChunkSession == nil {
		return ErrInvalidState
	}

	if aerr := s.store.AbortMultipart(ctx, f.ObjectKey, f.ChunkSession.UploadID); aerr != nil {
		log.Warnf("中止分片会话失败: task_file_id=%d, err=%v", f.ID, aerr)
	}
	f.ChunkSession = nil
	if reason == "" {
		reason = "客户端中止分片上传"
	}
	f.Status = model.FileStatusFailed
	f.ErrorMessage = reason
	f.UploadProgress = 0
	if err := s.taskRepo.SaveTaskFile(f); err != nil {
		return fmt.Errorf("保存任务文件失败: %w", err)
	}
	log.Infof("分片会话已中止: task_file_id=%d, 原因=%s", f.ID, reason)
	return nil
}

// RetryFile 重试一个失败的文件。仅在 FAILED 且重试预算未耗尽时合法；
// 状态重置为 PENDING、清空错误与进度，但 retry_count 不清零，
// 第 3 次失败后即不可再重试。
func (s *UploadService) RetryFile(taskFileID, userID uint) (*model.TaskFile, error) {
	f, task, err := s.loadOwnedTaskFile(taskFileID, userID)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal() {
		return nil, ErrInvalidState
	}
	if !f.CanRetry() {
		return nil, ErrInvalidState
	}

	f.Status = model.FileStatusPending
	f.ErrorMessage = ""
	f.UploadProgress = 0
	f.ObjectKey = ""
	f.ObjectURL = ""
	f.ChunkSession = nil
	if err := s.taskRepo.SaveTaskFile(f); err != nil {
		return nil, fmt.Errorf("保存任务文件失败: %w", err)
	}
	log.Infof("任务文件重置待重试: task_file_id=%d, retry_count=%d", f.ID, f.RetryCount)
	return f, nil
}

// PresignedDownloadURL 为已解析完成的任务文件生成预签名下载链接。
func (s *UploadService) PresignedDownloadURL(ctx context.Context, taskFileID, userID uint, expiry time.Duration) (string, error) {
	f, _, err := s.loadOwnedTaskFile(taskFileID, userID)
	if err != nil {
		return "", err
	}
	if !f.IsSuccessTerminal() || f.ObjectKey == "" {
		return "", ErrInvalidState
	}
	url, err := s.store.PresignedGetURL(ctx, f.ObjectKey, expiry, f.FileName)
	if err != nil {
		return "", fmt.Errorf("生成预签名下载链接失败: %w", err)
	}
	return url, nil
}

// markFailed 记录一次传输失败：状态 FAILED、累加重试计数、记录错误。
func (s *UploadService) markFailed(f *model.TaskFile, msg string) {
	f.Status = model.FileStatusFailed
	f.ErrorMessage = msg
	f.RetryCount++
	if err := s.taskRepo.SaveTaskFile(f); err != nil {
		log.Errorf("保存失败状态出错: task_file_id=%d, err=%v", f.ID, err)
	}
}

// resolveDuplicate 把任务文件解析为秒传：在目标盘新建一条共享既有
// 对象键的 File 记录（绝不移动或重命名原对象），File 行本身不共享，
// 以保留各盘独立删除语义。
func (s *UploadService) resolveDuplicate(ctx context.Context, f *model.TaskFile, task *model.UploadTask, existing *model.File, status string) error {
	folder, err := s.folderSvc.EnsureFolder(task.DriveID, f.TargetFolderPath, task.UserID)
	if err != nil {
		return err
	}

	file := &model.File{
		DriveID:      task.DriveID,
		Name:         f.FileName,
		OriginalName: f.FileName,
		Extension:    model.FileExtension(f.FileName),
		Size:         f.FileSize,
		MimeType:     f.MimeType,
		ObjectKey:    existing.ObjectKey,
		ObjectURL:    existing.ObjectURL,
		MD5:          existing.MD5,
		UploadedBy:   task.UserID,
		UploadSource: model.UploadSourceClient,
	}
	if folder != nil {
		fid := folder.ID
		file.FolderID = &fid
	}
	if err := s.fileRepo.Create(file); err != nil {
		return fmt.Errorf("创建文件记录失败: %w", err)
	}
	if err := s.driveRepo.AddUsedSize(task.DriveID, f.FileSize); err != nil {
		log.Warnf("累加盘符用量失败: drive_id=%d, err=%v", task.DriveID, err)
	}
	s.searchSvc.IndexFile(ctx, file)

	now := time.Now()
	f.FileID = &file.ID
	f.Status = status
	f.UploadProgress = 100
	f.IsDuplicated = true
	f.DuplicatedFrom = &existing.ID
	f.ObjectKey = existing.ObjectKey
	f.ObjectURL = existing.ObjectURL
	f.MD5 = existing.MD5
	f.ErrorMessage = ""
	f.CompletedAt = &now
	if err := s.taskRepo.SaveTaskFile(f); err != nil {
		return fmt.Errorf("保存任务文件失败: %w", err)
	}

	log.Infof("文件秒传命中: task_file_id=%d, 复用 file_id=%d, key=%s", f.ID, existing.ID, existing.ObjectKey)
	return nil
}

// resolveOriginal 把任务文件解析为原件：落 File 记录并指向新写入的对象。
func (s *UploadService) resolveOriginal(ctx context.Context, f *model.TaskFile, task *model.UploadTask, key, url string) error {
	folder, err := s.folderSvc.EnsureFolder(task.DriveID, f.TargetFolderPath, task.UserID)
	if err != nil {
		return err
	}

	file := &model.File{
		DriveID:      task.DriveID,
		Name:         f.FileName,
		OriginalName: f.FileName,
		Extension:    model.FileExtension(f.FileName),
		Size:         f.FileSize,
		MimeType:     f.MimeType,
		ObjectKey:    key,
		ObjectURL:    url,
		MD5:          f.MD5,
		UploadedBy:   task.UserID,
		UploadSource: model.UploadSourceClient,
	}
	if folder != nil {
		fid := folder.ID
		file.FolderID = &fid
	}
	if err := s.fileRepo.Create(file); err != nil {
		return fmt.Errorf("创建文件记录失败: %w", err)
	}
	if err := s.driveRepo.AddUsedSize(task.DriveID, f.FileSize); err != nil {
		log.Warnf("累加盘符用量失败: drive_id=%d, err=%v", task.DriveID, err)
	}
	s.searchSvc.IndexFile(ctx, file)

	now := time.Now()
	f.FileID = &file.ID
	f.Status = model.FileStatusCompleted
	f.UploadProgress = 100
	f.IsDuplicated = false
	f.DuplicatedFrom = nil
	f.ObjectKey = key
	f.ObjectURL = url
	f.ErrorMessage = ""
	f.CompletedAt = &now
	if err := s.taskRepo.SaveTaskFile(f); err != nil {
		return fmt.Errorf("保存任务文件失败: %w", err)
	}

	log.Infof("文件上传完成: task_file_id=%d, file_id=%d, key=%s", f.ID, file.ID, key)
	return nil
}
