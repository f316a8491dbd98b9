package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud-render-go/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// progressCacheTTL 进度缓存的过期时间。进度查询是轮询热点，
// 短 TTL 既减轻数据库压力又不至于展示过期太久的进度。
const progressCacheTTL = 3 * time.Second

// TaskRepository 接口定义了上传任务与任务文件的数据持久化操作。
type TaskRepository interface {
	// CreateTaskWithFiles 在一个事务内创建任务及其全部任务文件。
	CreateTaskWithFiles(task *model.UploadTask, files []*model.TaskFile) error
	FindTaskByID(id uint) (*model.UploadTask, error)
	FindTaskByIDAndUser(id, userID uint) (*model.UploadTask, error)
	ListTasks(userID uint, status string, offset, limit int) ([]model.UploadTask, int64, error)
	SaveTask(task *model.UploadTask) error
	// DeleteTask 级联删除任务与其全部任务文件。
	DeleteTask(id uint) error

	FindTaskFileByID(id uint) (*model.TaskFile, error)
	FindTaskFiles(taskID uint, offset, limit int) ([]model.TaskFile, int64, error)
	// FindAllTaskFiles 返回任务的全部文件，进度重算与清单生成使用。
	FindAllTaskFiles(taskID uint) ([]model.TaskFile, error)
	SaveTaskFile(file *model.TaskFile) error

	// 进度缓存（Redis，可缺省）
	CacheProgress(ctx context.Context, taskID uint, payload interface{}) error
	GetCachedProgress(ctx context.Context, taskID uint, out interface{}) (bool, error)
	InvalidateProgress(ctx context.Context, taskID uint) error
}

// taskRepository 是 TaskRepository 接口的 GORM+Redis 实现。
type taskRepository struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewTaskRepository 创建一个新的 TaskRepository 实例。
// redisClient 允许为 nil，此时进度缓存自动退化为直查数据库。
func NewTaskRepository(db *gorm.DB, redisClient *redis.Client) TaskRepository {
	return &taskRepository{db: db, redisClient: redisClient}
}

func (r *taskRepository) progressKey(taskID uint) string {
	return fmt.Sprintf("upload_task:progress:%d", taskID)
}

func (r *taskRepository) CreateTaskWithFiles(task *model.UploadTask, files []*model.TaskFile) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(task).Error; err != nil {
			return err
		}
		for _, f := range files {
			f.TaskID = task.ID
			if err := tx.Create(f).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *taskRepository) FindTaskByID(id uint) (*model.UploadTask, error) {
	var task model.UploadTask
	if err := r.db.First(&task, id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) FindTaskByIDAndUser(id, userID uint) (*model.UploadTask, error) {
	var task model.UploadTask
	err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&task).Error
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) ListTasks(userID uint, status string, offset, limit int) ([]model.UploadTask, int64, error) {
	q := r.db.Model(&model.UploadTask{}).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tasks []model.UploadTask
	err := q.Order("created_at desc").Offset(offset).Limit(limit).Find(&tasks).Error
	return tasks, total, err
}

func (r *taskRepository) SaveTask(task *model.UploadTask) error {
	return r.db.Save(task).Error
}

func (r *taskRepository) DeleteTask(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&model.TaskFile{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.UploadTask{}, id).Error
	})
}

func (r *taskRepository) FindTaskFileByID(id uint) (*model.TaskFile, error) {
	var file model.TaskFile
	if err := r.db.First(&file, id).Error; err != nil {
		return nil, err
	}
	return &file, nil
}

func (r *taskRepository) FindTaskFiles(taskID uint, offset, limit int) ([]model.TaskFile, int64, error) {
	q := r.db.Model(&model.TaskFile{}).Where("task_id = ?", taskID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var files []model.TaskFile
	err := q.Order("id asc").Offset(offset).Limit(limit).Find(&files).Error
	return files, total, err
}

func (r *taskRepository) FindAllTaskFiles(taskID uint) ([]model.TaskFile, error) {
	var files []model.TaskFile
	err := r.db.Where("task_id = ?", taskID).Order("id asc").Find(&files).Error
	return files, err
}

func (r *taskRepository) SaveTaskFile(file *model.TaskFile) error {
	return r.db.Save(file).Error
}

func (r *taskRepository) CacheProgress(ctx context.Context, taskID uint, payload interface{}) error {
	if r.redisClient == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.redisClient.Set(ctx, r.progressKey(taskID), data, progressCacheTTL).Err()
}

func (r *taskRepository) GetCachedProgress(ctx context.Context, taskID uint, out interface{}) (bool, error) {
	if r.redisClient == nil {
		return false, nil
	}
	data, err := r.redisClient.Get(ctx, r.progressKey(taskID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (r *taskRepository) InvalidateProgress(ctx context.Context, taskID uint) error {
	if r.redisClient == nil {
		return nil
	}
	return r.redisClient.Del(ctx, r.progressKey(taskID)).Err()
}
