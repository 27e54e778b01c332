package model

import (
	"time"

	"gorm.io/datatypes"
)

// 消息角色的封闭枚举。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// SystemUserID 是 AI 回复使用的保留系统用户身份。
const SystemUserID = "00000000-0000-0000-0000-000000000000"

// ChatMessage 对应于数据库中的 'chat_messages' 表。
// 消息从核心契约的角度是 append-only 的：没有更新或删除操作。
//
// ClientMsgID 是客户端提交的去重令牌。所有非空令牌全局唯一，
// 由部分唯一索引 idx_chat_messages_client_msg_id 强制
// （列条件: client_msg_id IS NOT NULL），该索引是重试幂等性的
// 唯一保障，必须与迁移保持一致。
// 消息随所属线程级联删除，外键由 Thread 关联上的约束声明。
type ChatMessage struct {
	MessageID   string         `gorm:"column:message_id;type:uuid;primaryKey" json:"messageId"`
	ThreadID    string         `gorm:"column:thread_id;type:uuid;not null;index:idx_chat_messages_thread,priority:1" json:"threadId"`
	Thread      *ChatThread    `gorm:"foreignKey:ThreadID;references:ThreadID;constraint:OnDelete:CASCADE" json:"-"`
	UserID      string         `gorm:"column:user_id;type:uuid;not null" json:"userId"`
	Role        string         `gorm:"type:varchar(20);not null" json:"role"`
	Content     string         `gorm:"type:text;not null" json:"content"`
	Type        string         `gorm:"type:varchar(50);not null;default:text" json:"type"`
	Metadata    datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	ClientMsgID *string        `gorm:"column:client_msg_id;type:varchar(255)" json:"clientMsgId"`
	CreatedAt   time.Time      `gorm:"index:idx_chat_messages_thread,priority:2" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ChatMessage) TableName() string {
	return "chat_messages"
}
