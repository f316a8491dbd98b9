// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud-render-go/internal/config"
	"cloud-render-go/internal/handler"
	"cloud-render-go/internal/middleware"
	"cloud-render-go/internal/model"
	"cloud-render-go/internal/repository"
	"cloud-render-go/internal/service"
	"cloud-render-go/pkg/database"
	"cloud-render-go/pkg/es"
	"cloud-render-go/pkg/kafka"
	"cloud-render-go/pkg/log"
	"cloud-render-go/pkg/storage"
	"cloud-render-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	if err := database.DB.AutoMigrate(
		&model.User{}, &model.Drive{}, &model.Folder{}, &model.File{},
		&model.UploadTask{}, &model.TaskFile{},
	); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}

	store, err := storage.NewMinIOStorage(cfg.MinIO)
	if err != nil {
		log.Fatalf("MinIO 初始化失败: %v", err)
	}

	// Elasticsearch 不可用时检索功能降级，不阻塞上传主流程
	var searchService *service.SearchService
	if err := es.InitES(cfg.Elasticsearch); err != nil {
		log.Warnf("Elasticsearch 初始化失败，检索功能降级: %v", err)
	} else {
		searchService = service.NewSearchService(es.ESClient, cfg.Elasticsearch.IndexName)
	}

	var producer *kafka.Producer
	if cfg.Kafka.Brokers != "" {
		producer = kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
	}

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	driveRepo := repository.NewDriveRepository(database.DB)
	folderRepo := repository.NewFolderRepository(database.DB)
	fileRepo := repository.NewFileRepository(database.DB)
	taskRepo := repository.NewTaskRepository(database.DB, database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	userService := service.NewUserService(userRepo, jwtManager)
	driveService := service.NewDriveService(driveRepo, fileRepo)
	folderService := service.NewFolderService(folderRepo)
	taskService := service.NewTaskService(taskRepo, driveRepo, folderService, store, producer)
	uploadService := service.NewUploadService(
		taskRepo, fileRepo, driveRepo, folderService, taskService, searchService, store,
		cfg.Upload.ChunkSize, cfg.Upload.LargeFileThreshold)

	presignExpiry := time.Duration(cfg.Upload.PresignExpireSeconds) * time.Second

	// 6. 初始化 Handler
	userHandler := handler.NewUserHandler(userService)
	driveHandler := handler.NewDriveHandler(driveService)
	taskHandler := handler.NewTaskHandler(taskService)
	uploadHandler := handler.NewUploadHandler(uploadService, presignExpiry)
	searchHandler := handler.NewSearchHandler(searchService, driveService)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 8. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		users := apiV1.Group("/users")
		{
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			authed := users.Group("/")
			authed.Use(middleware.AuthMiddleware(jwtManager))
			{
				authed.GET("/me", userHandler.Profile)
			}
		}

		drives := apiV1.Group("/drives")
		drives.Use(middleware.AuthMiddleware(jwtManager))
		{
			drives.POST("", driveHandler.Create)
			drives.GET("", driveHandler.List)
			drives.GET("/:driveId", driveHandler.Get)
			drives.GET("/:driveId/files", driveHandler.Files)
		}

		tasks := apiV1.Group("/tasks")
		tasks.Use(middleware.AuthMiddleware(jwtManager))
		{
			tasks.POST("", taskHandler.Create)
			tasks.GET("", taskHandler.List)
			tasks.GET("/:taskId", taskHandler.Get)
			tasks.GET("/:taskId/files", taskHandler.Files)
			tasks.GET("/:taskId/progress", taskHandler.Progress)
			tasks.GET("/:taskId/manifest", taskHandler.Manifest)
			tasks.POST("/:taskId/check", uploadHandler.CheckFiles)
			tasks.POST("/:taskId/cancel", taskHandler.Cancel)
			tasks.DELETE("/:taskId", taskHandler.Delete)
		}

		files := apiV1.Group("/files")
		files.Use(middleware.AuthMiddleware(jwtManager))
		{
			files.POST("/:fileId/upload", uploadHandler.UploadFile)
			files.POST("/:fileId/multipart/init", uploadHandler.InitMultipart)
			files.POST("/:fileId/multipart/chunk", uploadHandler.UploadChunk)
			files.POST("/:fileId/multipart/complete", uploadHandler.CompleteMultipart)
			files.POST("/:fileId/multipart/abort", uploadHandler.AbortMultipart)
			files.POST("/:fileId/retry", uploadHandler.RetryFile)
			files.GET("/:fileId/download-url", uploadHandler.DownloadURL)
		}

		search := apiV1.Group("/search")
		search.Use(middleware.AuthMiddleware(jwtManager))
		{
			search.GET("/files", searchHandler.SearchFiles)
		}
	}

	// 9. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
