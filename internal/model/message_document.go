package model

import "time"

// MessageDocument 代表存储在 Elasticsearch 中的消息文档结构。
// 由事件分发器在 message_created 事件到达后异步写入。
type MessageDocument struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageSearchResult 定义了返回给前端的消息搜索结果结构。
type MessageSearchResult struct {
	MessageID string    `json:"messageId"`
	ThreadID  string    `json:"threadId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"createdAt"`
}
