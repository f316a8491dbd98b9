package handler

import (
	"net/http"
	"strconv"

	"cloud-render-go/internal/service"
	"cloud-render-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// DriveHandler 负责处理盘符相关的 API 请求。
type DriveHandler struct {
	driveService *service.DriveService
}

// NewDriveHandler 创建一个新的 DriveHandler 实例。
func NewDriveHandler(driveService *service.DriveService) *DriveHandler {
	return &DriveHandler{driveService: driveService}
}

// Create 处理创建盘符的请求。
func (h *DriveHandler) Create(c *gin.Context) {
	var req service.CreateDriveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	drive, err := h.driveService.CreateDrive(currentUserID(c), &req)
	if err != nil {
		log.Error("Create: 创建盘符失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "盘符创建成功", "data": drive})
}

// Get 处理查询单个盘符的请求。
func (h *DriveHandler) Get(c *gin.Context) {
	driveID, err := strconv.ParseUint(c.Param("driveId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的盘符 ID"})
		return
	}

	drive, err := h.driveService.GetDrive(uint(driveID), currentUserID(c))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": drive})
}

// Files 处理列出盘符内文件的请求，folder_id 查询参数可选。
func (h *DriveHandler) Files(c *gin.Context) {
	driveID, err := strconv.ParseUint(c.Param("driveId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的盘符 ID"})
		return
	}

	var folderID *uint
	if raw := c.Query("folder_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的目录 ID"})
			return
		}
		fid := uint(id)
		folderID = &fid
	}

	files, err := h.driveService.ListFiles(uint(driveID), currentUserID(c), folderID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": files})
}

// List 处理列出当前用户全部盘符的请求。
func (h *DriveHandler) List(c *gin.Context) {
	drives, err := h.driveService.ListDrives(currentUserID(c))
	if err != nil {
		log.Error("List: 查询盘符失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": drives})
}
