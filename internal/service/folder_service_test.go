package service

import (
	"sync"
	"testing"

	"cloud-render-go/internal/model"
	"cloud-render-go/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureFolder(t *testing.T) {
	env := newTestEnv(t)

	t.Run("根路径不产生目录", func(t *testing.T) {
		for _, path := range []string{"", "/"} {
			folder, err := env.folderSvc.EnsureFolder(env.drive.ID, path, env.user.ID)
			require.NoError(t, err)
			assert.Nil(t, folder)
		}
	})

	t.Run("逐段物化多级路径", func(t *testing.T) {
		folder, err := env.folderSvc.EnsureFolder(env.drive.ID, "/scenes/shot01/textures", env.user.ID)
		require.NoError(t, err)
		require.NotNil(t, folder)
		assert.Equal(t, "/scenes/shot01/textures", folder.Path)
		assert.Equal(t, "textures", folder.Name)
		assert.Equal(t, 2, folder.Level)
		require.NotNil(t, folder.ParentID)

		var parent model.Folder
		require.NoError(t, env.db.First(&parent, *folder.ParentID).Error)
		assert.Equal(t, "/scenes/shot01", parent.Path)
		assert.Equal(t, 1, parent.Level)

		var count int64
		env.db.Model(&model.Folder{}).Where("drive_id = ?", env.drive.ID).Count(&count)
		assert.EqualValues(t, 3, count)
	})

	t.Run("重复物化是空操作", func(t *testing.T) {
		first, err := env.folderSvc.EnsureFolder(env.drive.ID, "/scenes/shot01", env.user.ID)
		require.NoError(t, err)
		second, err := env.folderSvc.EnsureFolder(env.drive.ID, "/scenes/shot01", env.user.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		var count int64
		env.db.Model(&model.Folder{}).Where("drive_id = ? AND path = ?", env.drive.ID, "/scenes/shot01").Count(&count)
		assert.EqualValues(t, 1, count)
	})

	t.Run("不同盘符的同名路径互不干扰", func(t *testing.T) {
		other := model.Drive{Name: "other", UserID: env.user.ID, IsActive: true}
		require.NoError(t, env.db.Create(&other).Error)

		a, err := env.folderSvc.EnsureFolder(env.drive.ID, "/common", env.user.ID)
		require.NoError(t, err)
		b, err := env.folderSvc.EnsureFolder(other.ID, "/common", env.user.ID)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})
}

func TestEnsureFolderConcurrent(t *testing.T) {
	env := newTestEnv(t)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.folderSvc.EnsureFolder(env.drive.ID, "/render/output/frames", env.user.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	// N 个并发调用只能留下每个前缀各一行
	repo := repository.NewFolderRepository(env.db)
	for _, path := range []string{"/render", "/render/output", "/render/output/frames"} {
		var count int64
		env.db.Model(&model.Folder{}).Where("drive_id = ? AND path = ?", env.drive.ID, path).Count(&count)
		assert.EqualValues(t, 1, count, "path=%s", path)

		folder, err := repo.FindByDriveAndPath(env.drive.ID, path)
		require.NoError(t, err)
		assert.Equal(t, path, folder.Path)
	}
}
