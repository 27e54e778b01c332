package handler

import (
	"errors"
	"net/http"
	"strconv"

	"threadchat-go/internal/model"
	"threadchat-go/internal/repository"
	"threadchat-go/internal/service"
	"threadchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ThreadHandler 负责处理聊天线程相关的 REST API 请求。
type ThreadHandler struct {
	chatService service.ChatService
}

// NewThreadHandler 创建一个新的 ThreadHandler 实例。
func NewThreadHandler(chatService service.ChatService) *ThreadHandler {
	return &ThreadHandler{chatService: chatService}
}

// currentUser 从上下文中取出 AuthMiddleware 存入的用户。
func currentUser(c *gin.Context) (*model.User, bool) {
	user, exists := c.Get("user")
	if !exists {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法获取用户信息"})
		return nil, false
	}
	return user.(*model.User), true
}

// threadError 把服务层错误映射为 HTTP 响应。
func threadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrThreadNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "线程不存在"})
	case errors.Is(err, repository.ErrThreadConflict):
		c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": "线程已存在"})
	default:
		log.Errorf("[ThreadHandler] 请求处理失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务器内部错误"})
	}
}

// CreateThreadRequest 定义了创建空线程 API 的请求体结构。
type CreateThreadRequest struct {
	Title string `json:"title"`
}

// CreateThread 创建一个没有消息的空线程。
func (h *ThreadHandler) CreateThread(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req CreateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载"})
		return
	}

	thread, err := h.chatService.CreateEmptyThread(c.Request.Context(), user.UserID, req.Title)
	if err != nil {
		threadError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": thread})
}

// ChatRequest 定义了发起对话 API 的请求体结构。
type ChatRequest struct {
	Content string `json:"content" binding:"required"`
}

// StartChatRequest 定义了创建线程并发起首轮对话的请求体结构。
// threadId 可由客户端指定（如离线生成的 UUID），留空则服务端生成；
// 指定的 ID 已存在时返回 409。
type StartChatRequest struct {
	ThreadID string `json:"threadId"`
	Title    string `json:"title"`
	Content  string `json:"content" binding:"required"`
}

// StartChat 创建新线程并完成首轮对话。
func (h *ThreadHandler) StartChat(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req StartChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "content 不能为空"})
		return
	}

	result, err := h.chatService.CreateThreadWithFirstMessage(c.Request.Context(), req.ThreadID, user.UserID, req.Title, req.Content, nil)
	if err != nil {
		threadError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": result})
}

// Chat 在已有线程上追加消息并生成回复。
func (h *ThreadHandler) Chat(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "content 不能为空"})
		return
	}

	result, err := h.chatService.AddMessageAndReply(c.Request.Context(), c.Param("id"), user.UserID, req.Content, nil)
	if err != nil {
		threadError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": result})
}

// AddMessage 追加一条用户消息，不触发 AI 回复。
// 客户端可通过 X-Client-Msg-Id 请求头携带去重令牌，重试同一令牌
// 会返回成功且不产生重复消息。
func (h *ThreadHandler) AddMessage(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "content 不能为空"})
		return
	}

	clientMsgID := c.GetHeader("X-Client-Msg-Id")
	err := h.chatService.AddUserMessage(c.Request.Context(), c.Param("id"), user.UserID, req.Content, clientMsgID)
	if err != nil {
		threadError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success"})
}

// GetThread 查询线程信息。
func (h *ThreadHandler) GetThread(c *gin.Context) {
	thread, err := h.chatService.GetThreadInfo(c.Request.Context(), c.Param("id"))
	if err != nil {
		threadError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": thread})
}

// GetMessages 查询线程内的消息，最新的在前。
func (h *ThreadHandler) GetMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	messages, err := h.chatService.GetThreadMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		threadError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": messages})
}
