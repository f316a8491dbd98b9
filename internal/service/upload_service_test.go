package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"cloud-render-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckFilesDedup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 另一个盘里已经落库过同哈希的文件
	existing := model.File{
		DriveID:    env.drive.ID,
		Name:       "robot.fbx",
		Size:       1000,
		ObjectKey:  "uploads/2026/09/01/existing.fbx",
		ObjectURL:  "http://fake/uploads/2026/09/01/existing.fbx",
		MD5:        "abc123",
		UploadedBy: env.user.ID,
	}
	require.NoError(t, env.db.Create(&existing).Error)

	task := env.createTask(t,
		decl("C:/assets/robot.fbx", "/scenes", "robot.fbx", 1000, "abc123"),
		decl("C:/assets/tree.fbx", "/scenes", "tree.fbx", 500, "feed42"),
	)

	result, err := env.uploadSvc.CheckFiles(ctx, task.ID, env.user.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, result.SkippedCount)
	assert.Equal(t, 1, result.NewFilesCount)
	assert.EqualValues(t, 1000, result.StorageSaved)
	require.Len(t, result.Results, 2)

	files := env.taskFiles(t, task.ID)
	hit, miss := files[0], files[1]
	assert.Equal(t, model.FileStatusSkipped, hit.Status)
	assert.True(t, hit.IsDuplicated)
	require.NotNil(t, hit.DuplicatedFrom)
	assert.Equal(t, existing.ID, *hit.DuplicatedFrom)
	assert.Equal(t, existing.ObjectKey, hit.ObjectKey)
	require.NotNil(t, hit.FileID)
	assert.NotEqual(t, existing.ID, *hit.FileID, "秒传应新建 File 行而不是共享原行")

	// 新建的 File 行共享对象键
	var ref model.File
	require.NoError(t, env.db.First(&ref, *hit.FileID).Error)
	assert.Equal(t, existing.ObjectKey, ref.ObjectKey)
	assert.Equal(t, existing.MD5, ref.MD5)

	assert.Equal(t, model.FileStatusPending, miss.Status)
	assert.False(t, miss.IsDuplicated)

	// 命中即触发任务汇总重算
	reloaded := env.reloadTask(t, task.ID)
	assert.Equal(t, 1, reloaded.UploadedFiles)
	assert.EqualValues(t, 1000, reloaded.UploadedSize)
	assert.Equal(t, model.TaskStatusUploading, reloaded.Status)
}

func TestUploadFileSingleShot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := []byte("single-shot-payload")

	task := env.createTask(t, decl("C:/a.bin", "/bin", "a.bin", int64(len(data)), ""))
	tf := env.taskFiles(t, task.ID)[0]

	got, err := env.uploadSvc.UploadFile(ctx, tf.ID, env.user.ID, data, "application/octet-stream")
	require.NoError(t, err)

	assert.Equal(t, model.FileStatusCompleted, got.Status)
	assert.Equal(t, md5hex(data), got.MD5)
	assert.EqualValues(t, 100, got.UploadProgress)
	assert.False(t, got.IsDuplicated)
	require.NotNil(t, got.FileID)
	assert.Equal(t, 1, env.store.putCalls)

	var file model.File
	require.NoError(t, env.db.First(&file, *got.FileID).Error)
	assert.Equal(t, got.ObjectKey, file.ObjectKey)
	assert.Equal(t, md5hex(data), file.MD5)

	// 单文件任务随之完成
	reloaded := env.reloadTask(t, task.ID)
	assert.Equal(t, model.TaskStatusCompleted, reloaded.Status)
	require.NotNil(t, reloaded.CompletedAt)
	require.NotNil(t, reloaded.StorageManifest)
}

func TestUploadFileDedupConservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := []byte("identical-bytes")

	task := env.createTask(t,
		decl("C:/a/shared.bin", "/models", "shared.bin", int64(len(data)), ""),
		decl("C:/b/shared.bin", "/models", "shared_copy.bin", int64(len(data)), ""),
	)
	files := env.taskFiles(t, task.ID)

	first, err := env.uploadSvc.UploadFile(ctx, files[0].ID, env.user.ID, data, "")
	require.NoError(t, err)
	require.Equal(t, 1, env.store.putCalls)

	second, err := env.uploadSvc.UploadFile(ctx, files[1].ID, env.user.ID, data, "")
	require.NoError(t, err)

	// 同内容只写一次对象存储
	assert.Equal(t, 1, env.store.putCalls)
	assert.Equal(t, model.FileStatusSkipped, second.Status)
	assert.True(t, second.IsDuplicated)
	require.NotNil(t, second.DuplicatedFrom)
	assert.Equal(t, *first.FileID, *second.DuplicatedFrom)
	assert.Equal(t, first.ObjectKey, second.ObjectKey)

	// 两个文件都算成功终态，任务完成，清单记录了节省量
	reloaded := env.reloadTask(t, task.ID)
	assert.Equal(t, model.TaskStatusCompleted, reloaded.Status)
	require.NotNil(t, reloaded.StorageManifest)

	var manifest StorageManifest
	require.NoError(t, json.Unmarshal(reloaded.StorageManifest, &manifest))
	assert.Equal(t, 2, manifest.Summary.TotalFiles)
	assert.Equal(t, 1, manifest.Summary.UploadedFiles, "秒传不计入 uploaded_files")
	assert.Equal(t, 1, manifest.Summary.SkippedFiles)
	assert.EqualValues(t, len(data), manifest.Summary.StorageSaved)
}

func TestUploadFileConcurrentSameFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := []byte("raced-payload")

	task := env.createTask(t, decl("C:/race.bin", "/r", "race.bin", int64(len(data)), ""))
	tf := env.taskFiles(t, task.ID)[0]

	const workers = 4
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.uploadSvc.UploadFile(ctx, tf.ID, env.user.ID, data, "")
		}(i)
	}
	wg.Wait()

	// 同一文件只允许一次成功解析，其余并发调用在锁内重读后被终态检查拦下
	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrInvalidState)
		}
	}
	assert.Equal(t, 1, ok)

	var count int64
	env.db.Model(&model.File{}).Count(&count)
	assert.EqualValues(t, 1, count, "不应重复落 File 行")

	var drive model.Drive
	require.NoError(t, env.db.First(&drive, env.drive.ID).Error)
	assert.EqualValues(t, len(data), drive.UsedSize, "不应重复累加盘符用量")
}

func TestUploadFileFailureAndRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := []byte("doomed-payload")

	task := env.createTask(t, decl("C:/x.bin", "/bin", "x.bin", int64(len(data)), ""))
	tf := env.taskFiles(t, task.ID)[0]

	t.Run("传输失败收敛为文件级 FAILED", func(t *testing.T) {
		env.store.putErr = errors.New("connection reset")
		_, err := env.uploadSvc.UploadFile(ctx, tf.ID, env.user.ID, data, "")
		require.Error(t, err)

		failed := env.taskFiles(t, task.ID)[0]
		assert.Equal(t, model.FileStatusFailed, failed.Status)
		assert.Equal(t, 1, failed.RetryCount)
		assert.NotEmpty(t, failed.ErrorMessage)

		// 文件失败不升级到任务级
		assert.NotEqual(t, model.TaskStatusFailed, env.reloadTask(t, task.ID).Status)
	})

	t.Run("重试重置状态但不清零计数", func(t *testing.T) {
		reset, err := env.uploadSvc.RetryFile(tf.ID, env.user.ID)
		require.NoError(t, err)
		assert.Equal(t, model.FileStatusPending, reset.Status)
		assert.Equal(t, 1, reset.RetryCount)
		assert.Empty(t, reset.ErrorMessage)
		assert.Zero(t, reset.UploadProgress)
	})

	t.Run("预算耗尽后不可再重试", func(t *testing.T) {
		exhausted := env.taskFiles(t, task.ID)[0]
		exhausted.Status = model.FileStatusFailed
		exhausted.RetryCount = model.MaxFileRetries
		require.NoError(t, env.taskRepo.SaveTaskFile(&exhausted))

		assert.False(t, exhausted.CanRetry())
		_, err := env.uploadSvc.RetryFile(exhausted.ID, env.user.ID)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("对非失败文件重试是非法状态", func(t *testing.T) {
		env.store.putErr = nil
		ok := env.taskFiles(t, task.ID)[0]
		ok.Status = model.FileStatusPending
		require.NoError(t, env.taskRepo.SaveTaskFile(&ok))

		_, err := env.uploadSvc.RetryFile(ok.ID, env.user.ID)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestMultipartProtocol(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	full := []byte("0123456789") // 10 字节，分片大小 4 → 3 片

	task := env.createTask(t, decl("C:/big.bin", "/big", "big.bin", int64(len(full)), ""))
	tf := env.taskFiles(t, task.ID)[0]

	init, err := env.uploadSvc.InitMultipart(ctx, tf.ID, env.user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, testChunkSize, init.ChunkSize)
	assert.Equal(t, 3, init.TotalChunks)
	assert.NotEmpty(t, init.UploadID)

	t.Run("重复初始化返回既有会话", func(t *testing.T) {
		again, err := env.uploadSvc.InitMultipart(ctx, tf.ID, env.user.ID)
		require.NoError(t, err)
		assert.Equal(t, init.UploadID, again.UploadID)
	})

	chunks := map[int][]byte{1: full[0:4], 2: full[4:8], 3: full[8:10]}

	t.Run("乱序与重复分片不重复计数", func(t *testing.T) {
		// 上传顺序 2, 1, 1, 3
		r, err := env.uploadSvc.UploadChunk(ctx, tf.ID, env.user.ID, 2, chunks[2])
		require.NoError(t, err)
		assert.Equal(t, 1, r.UploadedCount)

		r, err = env.uploadSvc.UploadChunk(ctx, tf.ID, env.user.ID, 1, chunks[1])
		require.NoError(t, err)
		assert.Equal(t, 2, r.UploadedCount)

		r, err = env.uploadSvc.UploadChunk(ctx, tf.ID, env.user.ID, 1, chunks[1])
		require.NoError(t, err)
		assert.Equal(t, 2, r.UploadedCount, "重复分片只覆盖不累加")
		assert.Equal(t, 3, r.TotalChunks)

		r, err = env.uploadSvc.UploadChunk(ctx, tf.ID, env.user.ID, 3, chunks[3])
		require.NoError(t, err)
		assert.Equal(t, 3, r.UploadedCount)
		assert.EqualValues(t, 100, r.ProgressPct)
	})

	t.Run("分片序号越界是非法状态", func(t *testing.T) {
		_, err := env.uploadSvc.UploadChunk(ctx, tf.ID, env.user.ID, 0, chunks[1])
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = env.uploadSvc.UploadChunk(ctx, tf.ID, env.user.ID, 4, chunks[1])
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("合并后按原件解析", func(t *testing.T) {
		got, err := env.uploadSvc.CompleteMultipart(ctx, tf.ID, env.user.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, model.FileStatusCompleted, got.Status)
		assert.Nil(t, got.ChunkSession)
		assert.Equal(t, md5hex(full), got.MD5)
		require.NotNil(t, got.FileID)

		// 对象已按序合并
		assembled := env.store.objects[got.ObjectKey]
		assert.Equal(t, full, assembled)

		reloaded := env.reloadTask(t, task.ID)
		assert.Equal(t, model.TaskStatusCompleted, reloaded.Status)
	})
}

func TestCompleteMultipartPostTransferDedup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	full := []byte("duplicated-multipart-data")

	task := env.createTask(t,
		decl("C:/one.bin", "/d", "one.bin", int64(len(full)), ""),
		decl("C:/two.bin", "/d", "two.bin", int64(len(full)), ""),
	)
	files := env.taskFiles(t, task.ID)

	// 第一份走单次上传，落下去重索引
	first, err := env.uploadSvc.UploadFile(ctx, files[0].ID, env.user.ID, full, "")
	require.NoError(t, err)

	// 第二份走分片协议传完整内容
	init, err := env.uploadSvc.InitMultipart(ctx, files[1].ID, env.user.ID)
	require.NoError(t, err)
	for i := 1; i <= init.TotalChunks; i++ {
		start := (i - 1) * testChunkSize
		end := start + testChunkSize
		if end > len(full) {
			end = len(full)
		}
		_, err := env.uploadSvc.UploadChunk(ctx, files[1].ID, env.user.ID, i, full[start:end])
		require.NoError(t, err)
	}

	before := env.taskFiles(t, task.ID)[1]
	assembledKey := before.ObjectKey

	got, err := env.uploadSvc.CompleteMultipart(ctx, files[1].ID, env.user.ID, nil)
	require.NoError(t, err)

	// 传输后比对命中：冗余对象被删除，解析指向既有对象
	assert.True(t, got.IsDuplicated)
	require.NotNil(t, got.DuplicatedFrom)
	assert.Equal(t, *first.FileID, *got.DuplicatedFrom)
	assert.Equal(t, first.ObjectKey, got.ObjectKey)
	assert.Contains(t, env.store.deleted, assembledKey)
	_, stillThere := env.store.objects[assembledKey]
	assert.False(t, stillThere)

	reloaded := env.reloadTask(t, task.ID)
	assert.Equal(t, model.TaskStatusCompleted, reloaded.Status)

	var manifest StorageManifest
	require.NoError(t, json.Unmarshal(reloaded.StorageManifest, &manifest))
	assert.EqualValues(t, len(full), manifest.Summary.StorageSaved)
	// 传输后命中是 COMPLETED 而非 SKIPPED，两桶互斥
	assert.Equal(t, 2, manifest.Summary.UploadedFiles)
	assert.Zero(t, manifest.Summary.SkippedFiles)
}

func TestCompleteMultipartHashFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	full := []byte("0123456789")

	task := env.createTask(t, decl("C:/h.bin", "/h", "h.bin", int64(len(full)), ""))
	tf := env.taskFiles(t, task.ID)[0]

	init, err := env.uploadSvc.InitMultipart(ctx, tf.ID, env.user.ID)
	require.NoError(t, err)
	for i := 1; i <= init.TotalChunks; i++ {
		start := (i - 1) * testChunkSize
		end := start + testChunkSize
		if end > len(full) {
			end = len(full)
		}
		_, err := env.uploadSvc.UploadChunk(ctx, tf.ID, env.user.ID, i, full[start:end])
		require.NoError(t, err)
	}
	key := env.taskFiles(t, task.ID)[0].ObjectKey

	// 合并成功但读不到实存哈希：不能信任客户端声明值，按传输失败处理
	env.store.hashErr = errors.New("stat timeout")
	_, err = env.uploadSvc.CompleteMultipart(ctx, tf.ID, env.user.ID, nil)
	require.Error(t, err)

	failed := env.taskFiles(t, task.ID)[0]
	assert.Equal(t, model.FileStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Nil(t, failed.ChunkSession)
	assert.True(t, failed.CanRetry())

	// 已合并的对象被回收，没有留下哈希不明的孤儿
	assert.Contains(t, env.store.deleted, key)
	assert.NotEqual(t, model.TaskStatusCompleted, env.reloadTask(t, task.ID).Status)
}

func TestAbortMultipart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := env.createTask(t, decl("C:/abort.bin", "/a", "abort.bin", 10, ""))
	tf := env.taskFiles(t, task.ID)[0]

	t.Run("无会话时中止是非法状态", func(t *testing.T) {
		err := env.uploadSvc.AbortMultipart(ctx, tf.ID, env.user.ID, "")
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	init, err := env.uploadSvc.InitMultipart(ctx, tf.ID, env.user.ID)
	require.NoError(t, err)
	_, err = env.uploadSvc.UploadChunk(ctx, tf.ID, env.user.ID, 1, []byte("0123"))
	require.NoError(t, err)

	require.NoError(t, env.uploadSvc.AbortMultipart(ctx, tf.ID, env.user.ID, "客户端取消"))

	aborted := env.taskFiles(t, task.ID)[0]
	assert.Equal(t, model.FileStatusFailed, aborted.Status)
	assert.Nil(t, aborted.ChunkSession)
	assert.Equal(t, "客户端取消", aborted.ErrorMessage)
	assert.Contains(t, env.store.aborted, init.UploadID)
}

func TestUploadChunkWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := env.createTask(t, decl("C:/n.bin", "/n", "n.bin", 10, ""))
	tf := env.taskFiles(t, task.ID)[0]

	_, err := env.uploadSvc.UploadChunk(ctx, tf.ID, env.user.ID, 1, []byte("0123"))
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = env.uploadSvc.CompleteMultipart(ctx, tf.ID, env.user.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestUploadOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stranger := model.User{Username: "stranger", Password: "x"}
	require.NoError(t, env.db.Create(&stranger).Error)

	task := env.createTask(t, decl("C:/o.bin", "/o", "o.bin", 10, ""))
	tf := env.taskFiles(t, task.ID)[0]

	_, err := env.uploadSvc.UploadFile(ctx, tf.ID, stranger.ID, []byte("x"), "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.uploadSvc.CheckFiles(ctx, task.ID, stranger.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.uploadSvc.UploadFile(ctx, 99999, env.user.ID, []byte("x"), "")
	assert.ErrorIs(t, err, ErrNotFound)
}
