// Package events 定义了发布到 Kafka 的聊天事件结构。
package events

import "time"

// ChatEvent 代表一条已提交写入之后发布的领域事件。
// Type 取值见 model.EventThreadCreated / model.EventMessageCreated。
type ChatEvent struct {
	Type      string    `json:"type"`
	ThreadID  string    `json:"thread_id"`
	MessageID string    `json:"message_id,omitempty"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role,omitempty"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
