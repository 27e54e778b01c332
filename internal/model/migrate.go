package model

import (
	"fmt"

	"gorm.io/gorm"
)

// dedupIndexSQL 为 client_msg_id 创建部分唯一索引：只有非 NULL 值参与
// 唯一性约束，未携带去重令牌的消息可以无限多条。AutoMigrate 表达不了
// 部分索引，所以用原生 SQL 补上。
const dedupIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_messages_client_msg_id
ON chat_messages (client_msg_id)
WHERE client_msg_id IS NOT NULL`

// Migrate 创建或更新数据库表结构。
// includeChat 为 false 时跳过聊天表（SQLite 后端下聊天表由仓储在
// 首次使用时自建，关系库里只保留其余业务表）。
func Migrate(db *gorm.DB, includeChat bool) error {
	models := []any{&User{}, &Webhook{}, &ChatAttachment{}}
	if includeChat {
		models = append(models, &ChatThread{}, &ChatMessage{})
	}
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if includeChat {
		if err := db.Exec(dedupIndexSQL).Error; err != nil {
			return fmt.Errorf("create dedup index: %w", err)
		}
	}
	return nil
}
