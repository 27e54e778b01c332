package handler

import (
	"net/http"
	"strconv"

	"threadchat-go/internal/service"
	"threadchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SearchHandler 负责处理消息检索的 API 请求。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// Search 在当前用户的消息范围内做全文检索。
// 索引是异步维护的，刚写入的消息可能要稍后才能检索到。
func (h *SearchHandler) Search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "q 不能为空"})
		return
	}
	topK, _ := strconv.Atoi(c.DefaultQuery("topK", "10"))

	user, ok := currentUser(c)
	if !ok {
		return
	}

	results, err := h.searchService.SearchMessages(c.Request.Context(), user.UserID, query, topK)
	if err != nil {
		log.Errorf("[SearchHandler] 检索失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "检索失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": results})
}
