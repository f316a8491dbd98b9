package handler

import (
	"net/http"
	"strconv"

	"cloud-render-go/internal/service"
	"cloud-render-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SearchHandler 负责处理文件检索相关的 API 请求。
type SearchHandler struct {
	searchService *service.SearchService
	driveService  *service.DriveService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService *service.SearchService, driveService *service.DriveService) *SearchHandler {
	return &SearchHandler{searchService: searchService, driveService: driveService}
}

// SearchFiles 处理盘内按文件名检索的请求。
func (h *SearchHandler) SearchFiles(c *gin.Context) {
	driveID, err := strconv.ParseUint(c.Query("drive_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的盘符 ID"})
		return
	}
	keyword := c.Query("keyword")
	if keyword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 keyword 参数"})
		return
	}
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	// 只允许检索调用者自己的盘符
	if _, err := h.driveService.GetDrive(uint(driveID), currentUserID(c)); err != nil {
		abortWithServiceError(c, err)
		return
	}

	docs, err := h.searchService.SearchFiles(c.Request.Context(), uint(driveID), keyword, size)
	if err != nil {
		log.Error("SearchFiles: 检索失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "检索失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": docs})
}
