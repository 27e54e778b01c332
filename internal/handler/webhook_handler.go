package handler

import (
	"errors"
	"net/http"

	"threadchat-go/internal/service"
	"threadchat-go/pkg/log"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// WebhookHandler 负责处理 Webhook 订阅管理的 API 请求。
// 这些接口仅对管理员开放。
type WebhookHandler struct {
	webhookService service.WebhookService
}

// NewWebhookHandler 创建一个新的 WebhookHandler 实例。
func NewWebhookHandler(webhookService service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookService: webhookService}
}

// CreateWebhookRequest 定义了注册 Webhook 的请求体结构。
type CreateWebhookRequest struct {
	Name   string   `json:"name" binding:"required"`
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// Create 注册一个新的 Webhook 订阅。
// 响应中包含签名密钥，仅在创建时返回一次。
func (h *WebhookHandler) Create(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "name 和 url 不能为空"})
		return
	}

	webhook, err := h.webhookService.Create(req.Name, req.URL, req.Events)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"webhook": webhook,
			"secret":  webhook.Secret,
		},
	})
}

// List 列出全部 Webhook 订阅。
func (h *WebhookHandler) List(c *gin.Context) {
	webhooks, err := h.webhookService.List()
	if err != nil {
		log.Errorf("[WebhookHandler] 查询订阅失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务器内部错误"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": webhooks})
}

// SetActiveRequest 定义了启停 Webhook 的请求体结构。
type SetActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SetActive 启用或停用一个 Webhook 订阅。
func (h *WebhookHandler) SetActive(c *gin.Context) {
	var req SetActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "active 不能为空"})
		return
	}

	if err := h.webhookService.SetActive(c.Param("id"), *req.Active); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "Webhook 不存在"})
			return
		}
		log.Errorf("[WebhookHandler] 更新订阅失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务器内部错误"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success"})
}

// Delete 删除一个 Webhook 订阅。
func (h *WebhookHandler) Delete(c *gin.Context) {
	if err := h.webhookService.Delete(c.Param("id")); err != nil {
		log.Errorf("[WebhookHandler] 删除订阅失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务器内部错误"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success"})
}
