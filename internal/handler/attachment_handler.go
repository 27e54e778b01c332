package handler

import (
	"errors"
	"net/http"

	"threadchat-go/internal/service"
	"threadchat-go/pkg/log"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// 附件大小上限
const maxAttachmentSize = 20 << 20 // 20MB

// AttachmentHandler 负责处理聊天附件的上传与下载请求。
type AttachmentHandler struct {
	attachmentService service.AttachmentService
}

// NewAttachmentHandler 创建一个新的 AttachmentHandler 实例。
func NewAttachmentHandler(attachmentService service.AttachmentService) *AttachmentHandler {
	return &AttachmentHandler{attachmentService: attachmentService}
}

// Upload 上传一个附件到指定线程。
func (h *AttachmentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少 file 字段"})
		return
	}
	if fileHeader.Size > maxAttachmentSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"code": http.StatusRequestEntityTooLarge, "message": "文件过大"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		log.Errorf("[AttachmentHandler] 打开上传文件失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务器内部错误"})
		return
	}
	defer file.Close()

	contentType := fileHeader.Header.Get("Content-Type")
	attachment, err := h.attachmentService.Upload(
		c.Request.Context(), c.Param("id"), fileHeader.Filename, contentType, fileHeader.Size, file,
	)
	if err != nil {
		if errors.Is(err, service.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "线程不存在"})
			return
		}
		log.Errorf("[AttachmentHandler] 上传附件失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "上传失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": attachment})
}

// List 列出线程下的全部附件。
func (h *AttachmentHandler) List(c *gin.Context) {
	attachments, err := h.attachmentService.ListByThread(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "线程不存在"})
			return
		}
		log.Errorf("[AttachmentHandler] 查询附件失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务器内部错误"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": attachments})
}

// Download 返回附件的临时下载链接。
func (h *AttachmentHandler) Download(c *gin.Context) {
	url, err := h.attachmentService.GetDownloadURL(c.Request.Context(), c.Param("attachmentId"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "附件不存在"})
			return
		}
		log.Errorf("[AttachmentHandler] 生成下载链接失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务器内部错误"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"url": url}})
}
