package handler

import (
	"net/http"
	"strconv"

	"cloud-render-go/internal/service"
	"cloud-render-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// TaskHandler 负责处理上传任务相关的 API 请求。
type TaskHandler struct {
	taskService *service.TaskService
}

// NewTaskHandler 创建一个新的 TaskHandler 实例。
func NewTaskHandler(taskService *service.TaskService) *TaskHandler {
	return &TaskHandler{taskService: taskService}
}

func parseTaskID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("taskId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的任务 ID"})
		return 0, false
	}
	return uint(id), true
}

// Create 处理创建上传任务的请求：校验清单后原子创建任务与全部任务文件。
func (h *TaskHandler) Create(c *gin.Context) {
	var req service.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	task, err := h.taskService.CreateTask(currentUserID(c), &req)
	if err != nil {
		log.Error("Create: 创建上传任务失败", err)
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "上传任务创建成功", "data": task})
}

// Get 处理查询任务详情的请求。
func (h *TaskHandler) Get(c *gin.Context) {
	taskID, ok := parseTaskID(c)
	if !ok {
		return
	}
	task, err := h.taskService.GetTask(taskID, currentUserID(c))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": task})
}

// List 处理分页列出任务的请求，可按状态过滤。
func (h *TaskHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	status := c.Query("status")

	tasks, total, err := h.taskService.ListTasks(currentUserID(c), status, page, pageSize)
	if err != nil {
		log.Error("List: 查询任务失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code": http.StatusOK,
		"data": gin.H{"items": tasks, "total": total, "page": page, "page_size": pageSize},
	})
}

// Files 处理分页列出任务内文件的请求。
func (h *TaskHandler) Files(c *gin.Context) {
	taskID, ok := parseTaskID(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	files, total, err := h.taskService.TaskFiles(taskID, currentUserID(c), page, pageSize)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code": http.StatusOK,
		"data": gin.H{"items": files, "total": total, "page": page, "page_size": pageSize},
	})
}

// Progress 处理查询任务进度的请求。
func (h *TaskHandler) Progress(c *gin.Context) {
	taskID, ok := parseTaskID(c)
	if !ok {
		return
	}
	progress, err := h.taskService.Progress(c.Request.Context(), taskID, currentUserID(c))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": progress})
}

// Cancel 处理取消任务的请求。
func (h *TaskHandler) Cancel(c *gin.Context) {
	taskID, ok := parseTaskID(c)
	if !ok {
		return
	}
	task, err := h.taskService.CancelTask(c.Request.Context(), taskID, currentUserID(c))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "任务已取消", "data": task})
}

// Delete 处理删除任务的请求。
func (h *TaskHandler) Delete(c *gin.Context) {
	taskID, ok := parseTaskID(c)
	if !ok {
		return
	}
	if err := h.taskService.DeleteTask(c.Request.Context(), taskID, currentUserID(c)); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "任务已删除"})
}

// Manifest 处理导出任务存储清单即时视图的请求。
func (h *TaskHandler) Manifest(c *gin.Context) {
	taskID, ok := parseTaskID(c)
	if !ok {
		return
	}
	manifest, err := h.taskService.ExportManifest(taskID, currentUserID(c))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": manifest})
}
