package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"cloud-render-go/internal/service"
	"cloud-render-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// UploadHandler 负责处理文件传输协议相关的 API 请求：
// 秒传预检、单次上传、分片上传四步协议与失败重试。
type UploadHandler struct {
	uploadService *service.UploadService
	presignExpiry time.Duration
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService *service.UploadService, presignExpiry time.Duration) *UploadHandler {
	return &UploadHandler{uploadService: uploadService, presignExpiry: presignExpiry}
}

func parseTaskFileID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("fileId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的任务文件 ID"})
		return 0, false
	}
	return uint(id), true
}

// readUploadPayload 从 multipart 表单中读出上传的字节。
func readUploadPayload(c *gin.Context) ([]byte, string, bool) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未能获取上传的文件"})
		return nil, "", false
	}
	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未能读取上传的文件"})
		return nil, "", false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未能读取上传的文件"})
		return nil, "", false
	}
	return data, fileHeader.Header.Get("Content-Type"), true
}

// CheckFiles 处理任务级批量秒传预检的请求。
func (h *UploadHandler) CheckFiles(c *gin.Context) {
	taskID, ok := parseTaskID(c)
	if !ok {
		return
	}

	result, err := h.uploadService.CheckFiles(c.Request.Context(), taskID, currentUserID(c))
	if err != nil {
		log.Error("CheckFiles: 秒传预检失败", err)
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "秒传预检完成", "data": result})
}

// UploadFile 处理小文件单次上传的请求。
func (h *UploadHandler) UploadFile(c *gin.Context) {
	taskFileID, ok := parseTaskFileID(c)
	if !ok {
		return
	}
	data, mimeType, ok := readUploadPayload(c)
	if !ok {
		return
	}

	taskFile, err := h.uploadService.UploadFile(c.Request.Context(), taskFileID, currentUserID(c), data, mimeType)
	if err != nil {
		log.Error("UploadFile: 文件上传失败", err)
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "文件上传成功", "data": taskFile})
}

// InitMultipart 处理打开分片上传会话的请求。
func (h *UploadHandler) InitMultipart(c *gin.Context) {
	taskFileID, ok := parseTaskFileID(c)
	if !ok {
		return
	}

	result, err := h.uploadService.InitMultipart(c.Request.Context(), taskFileID, currentUserID(c))
	if err != nil {
		log.Error("InitMultipart: 打开分片会话失败", err)
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "分片会话已打开", "data": result})
}

// UploadChunk 处理上传单个分片的请求，分片序号从表单的 chunk_index 读取。
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	taskFileID, ok := parseTaskFileID(c)
	if !ok {
		return
	}
	chunkIndex, err := strconv.Atoi(c.PostForm("chunk_index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的分片序号"})
		return
	}
	data, _, ok := readUploadPayload(c)
	if !ok {
		return
	}

	result, err := h.uploadService.UploadChunk(c.Request.Context(), taskFileID, currentUserID(c), chunkIndex, data)
	if err != nil {
		log.Error("UploadChunk: 分片上传失败", err)
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "分片上传成功", "data": result})
}

// CompleteMultipartRequest 定义了分片合并 API 的请求体结构。
// etags 为空时使用服务端簿记的分片记录。
type CompleteMultipartRequest struct {
	ETags map[int]string `json:"etags"`
}

// CompleteMultipart 处理合并分片的请求。
func (h *UploadHandler) CompleteMultipart(c *gin.Context) {
	taskFileID, ok := parseTaskFileID(c)
	if !ok {
		return
	}
	var req CompleteMultipartRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	taskFile, err := h.uploadService.CompleteMultipart(c.Request.Context(), taskFileID, currentUserID(c), req.ETags)
	if err != nil {
		log.Error("CompleteMultipart: 合并分片失败", err)
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "文件合并成功", "data": taskFile})
}

// AbortMultipartRequest 定义了中止分片会话 API 的请求体结构。
type AbortMultipartRequest struct {
	Reason string `json:"reason"`
}

// AbortMultipart 处理中止分片会话的请求。
func (h *UploadHandler) AbortMultipart(c *gin.Context) {
	taskFileID, ok := parseTaskFileID(c)
	if !ok {
		return
	}
	var req AbortMultipartRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	if err := h.uploadService.AbortMultipart(c.Request.Context(), taskFileID, currentUserID(c), req.Reason); err != nil {
		log.Error("AbortMultipart: 中止分片会话失败", err)
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "分片会话已中止"})
}

// RetryFile 处理重试失败文件的请求。
func (h *UploadHandler) RetryFile(c *gin.Context) {
	taskFileID, ok := parseTaskFileID(c)
	if !ok {
		return
	}

	taskFile, err := h.uploadService.RetryFile(taskFileID, currentUserID(c))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "文件已重置待重试", "data": taskFile})
}

// DownloadURL 处理为已完成文件生成预签名下载链接的请求。
func (h *UploadHandler) DownloadURL(c *gin.Context) {
	taskFileID, ok := parseTaskFileID(c)
	if !ok {
		return
	}

	url, err := h.uploadService.PresignedDownloadURL(c.Request.Context(), taskFileID, currentUserID(c), h.presignExpiry)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": gin.H{"download_url": url}})
}
