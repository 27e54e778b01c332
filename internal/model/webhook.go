package model

import (
	"time"

	"gorm.io/datatypes"
)

// 可被订阅的聊天事件类型。
const (
	EventThreadCreated  = "thread_created"
	EventMessageCreated = "message_created"
)

// Webhook 对应于数据库中的 'webhooks' 表。
// webhook 配置持久化在数据库中，而不是进程内的全局映射，
// 这样多实例部署时分发器能看到一致的订阅列表。
type Webhook struct {
	WebhookID string         `gorm:"column:webhook_id;type:uuid;primaryKey" json:"webhookId"`
	Name      string         `gorm:"type:varchar(100);not null" json:"name"`
	URL       string         `gorm:"type:text;not null" json:"url"`
	Events    datatypes.JSON `gorm:"column:events" json:"events"` // JSON 数组，如 ["message_created"]
	Active    bool           `gorm:"not null;default:true" json:"active"`
	Secret    string         `gorm:"type:varchar(255)" json:"-"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Webhook) TableName() string {
	return "webhooks"
}
