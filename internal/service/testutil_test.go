package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud-render-go/internal/model"
	"cloud-render-go/internal/repository"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var testDBSeq int64

// newTestDB 打开一个独立的内存 SQLite 库并完成建表。
// cache=shared 让同一库的多个连接看到同一份数据，
// MaxOpenConns(1) 把并发写串行化，避免 SQLITE_BUSY。
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:svc_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.User{}, &model.Drive{}, &model.Folder{}, &model.File{},
		&model.UploadTask{}, &model.TaskFile{},
	))
	return db
}

// fakeStore 是测试用的内存对象存储实现。
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	sessions map[string]map[int][]byte // uploadID → 分片序号 → 数据
	keys     map[string]string         // uploadID → 对象键
	putErr   error                     // 注入的单次写入错误
	hashErr  error                     // 注入的内容哈希读取错误
	putCalls int
	aborted  []string
	deleted  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  make(map[string][]byte),
		sessions: make(map[string]map[int][]byte),
		keys:     make(map[string]string),
	}
}

func md5hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (s *fakeStore) PutObject(_ context.Context, key string, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCalls++
	if s.putErr != nil {
		return "", s.putErr
	}
	s.objects[key] = append([]byte(nil), data...)
	return "http://fake/" + key, nil
}

func (s *fakeStore) PresignedPutURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "http://fake/put/" + key, nil
}

func (s *fakeStore) PresignedGetURL(_ context.Context, key string, _ time.Duration, _ string) (string, error) {
	return "http://fake/get/" + key, nil
}

func (s *fakeStore) InitMultipart(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uploadID := fmt.Sprintf("upload-%d", len(s.sessions)+1)
	s.sessions[uploadID] = make(map[int][]byte)
	s.keys[uploadID] = key
	return uploadID, nil
}

func (s *fakeStore) UploadPart(_ context.Context, _, uploadID string, index int, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[uploadID]
	if !ok {
		return "", fmt.Errorf("会话不存在: %s", uploadID)
	}
	session[index] = append([]byte(nil), data...)
	return md5hex(data), nil
}

func (s *fakeStore) CompleteMultipart(_ context.Context, key, uploadID string, etags map[int]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[uploadID]
	if !ok {
		return "", fmt.Errorf("会话不存在: %s", uploadID)
	}
	if len(etags) != len(session) {
		return "", fmt.Errorf("分片数不匹配: %d != %d", len(etags), len(session))
	}

	indices := make([]int, 0, len(session))
	for idx := range session {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var assembled []byte
	for _, idx := range indices {
		assembled = append(assembled, session[idx]...)
	}
	s.objects[key] = assembled
	delete(s.sessions, uploadID)
	delete(s.keys, uploadID)
	return "http://fake/" + key, nil
}

func (s *fakeStore) AbortMultipart(_ context.Context, _, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = append(s.aborted, uploadID)
	delete(s.sessions, uploadID)
	delete(s.keys, uploadID)
	return nil
}

func (s *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStore) ContentHash(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hashErr != nil {
		return "", s.hashErr
	}
	data, ok := s.objects[key]
	if !ok {
		return "", fmt.Errorf("对象不存在: %s", key)
	}
	return md5hex(data), nil
}

// testEnv 打包一套完整的被测服务与其依赖。
type testEnv struct {
	db        *gorm.DB
	store     *fakeStore
	taskRepo  repository.TaskRepository
	fileRepo  repository.FileRepository
	driveRepo repository.DriveRepository
	folderSvc *FolderService
	taskSvc   *TaskService
	uploadSvc *UploadService
	user      model.User
	drive     model.Drive
}

const testChunkSize = 4

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	store := newFakeStore()

	taskRepo := repository.NewTaskRepository(db, nil)
	fileRepo := repository.NewFileRepository(db)
	driveRepo := repository.NewDriveRepository(db)
	folderRepo := repository.NewFolderRepository(db)

	folderSvc := NewFolderService(folderRepo)
	taskSvc := NewTaskService(taskRepo, driveRepo, folderSvc, store, nil)
	uploadSvc := NewUploadService(taskRepo, fileRepo, driveRepo, folderSvc, taskSvc, nil, store, testChunkSize, 1<<20)

	env := &testEnv{
		db:        db,
		store:     store,
		taskRepo:  taskRepo,
		fileRepo:  fileRepo,
		driveRepo: driveRepo,
		folderSvc: folderSvc,
		taskSvc:   taskSvc,
		uploadSvc: uploadSvc,
	}

	env.user = model.User{Username: "tester", Password: "x"}
	require.NoError(t, db.Create(&env.user).Error)
	env.drive = model.Drive{Name: "render-assets", UserID: env.user.ID, IsActive: true}
	require.NoError(t, db.Create(&env.drive).Error)
	return env
}

// createTask 建一个带给定文件声明的任务。
func (e *testEnv) createTask(t *testing.T, files ...TaskFileDecl) *model.UploadTask {
	t.Helper()
	task, err := e.taskSvc.CreateTask(e.user.ID, &CreateTaskRequest{
		DriveID: e.drive.ID,
		Name:    "场景文件同步",
		Files:   files,
	})
	require.NoError(t, err)
	return task
}

// taskFiles 按 ID 升序返回任务的全部文件。
func (e *testEnv) taskFiles(t *testing.T, taskID uint) []model.TaskFile {
	t.Helper()
	files, err := e.taskRepo.FindAllTaskFiles(taskID)
	require.NoError(t, err)
	return files
}

// reloadTask 重读任务行。
func (e *testEnv) reloadTask(t *testing.T, taskID uint) *model.UploadTask {
	t.Helper()
	task, err := e.taskRepo.FindTaskByID(taskID)
	require.NoError(t, err)
	return task
}

func decl(localPath, folder, name string, size int64, md5sum string) TaskFileDecl {
	return TaskFileDecl{
		LocalPath:        localPath,
		TargetFolderPath: folder,
		FileName:         name,
		FileSize:         size,
		MD5:              md5sum,
		MimeType:         "application/octet-stream",
	}
}
