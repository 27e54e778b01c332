package handler

import (
	"errors"
	"fmt"
	"net/http"

	"threadchat-go/internal/service"
	"threadchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ExportHandler 负责处理线程导出的 API 请求。
type ExportHandler struct {
	exportService service.ExportService
}

// NewExportHandler 创建一个新的 ExportHandler 实例。
func NewExportHandler(exportService service.ExportService) *ExportHandler {
	return &ExportHandler{exportService: exportService}
}

// Export 将整个线程导出为文件。支持 format=json|csv|markdown。
func (h *ExportHandler) Export(c *gin.Context) {
	format := c.DefaultQuery("format", service.ExportFormatJSON)
	result, err := h.exportService.ExportThread(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		if errors.Is(err, service.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "线程不存在"})
			return
		}
		log.Errorf("[ExportHandler] 导出失败: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error()})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, result.Filename))
	c.Data(http.StatusOK, result.ContentType, result.Data)
}
