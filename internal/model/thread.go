// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"time"

	"gorm.io/datatypes"
)

// 线程生命周期状态。核心事务契约不关心状态流转，
// 线程只做软删除，从不物理删除。
const (
	ThreadStatusActive   = "active"
	ThreadStatusArchived = "archived"
	ThreadStatusDeleted  = "deleted"
)

// ChatThread 对应于数据库中的 'chat_threads' 表，代表一次对话。
type ChatThread struct {
	ThreadID  string         `gorm:"column:thread_id;type:uuid;primaryKey" json:"threadId"`
	UserID    string         `gorm:"column:user_id;type:uuid;not null;index:idx_chat_threads_user" json:"userId"`
	Title     *string        `gorm:"type:text" json:"title"`
	Status    string         `gorm:"type:varchar(50);not null;default:active" json:"status"`
	Summary   *string        `gorm:"type:text" json:"summary"`
	Metadata  datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ChatThread) TableName() string {
	return "chat_threads"
}
