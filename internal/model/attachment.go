package model

import (
	"time"

	"gorm.io/datatypes"
)

// ChatAttachment 对应于数据库中的 'chat_attachments' 表。
// 附件对象本体存放在 MinIO，这里只记录对象名与元数据。
// 线程删除时附件记录级联删除，外键由 Thread 关联上的约束声明。
type ChatAttachment struct {
	AttachmentID string         `gorm:"column:attachment_id;type:uuid;primaryKey" json:"attachmentId"`
	ThreadID     string         `gorm:"column:thread_id;type:uuid;not null;index:idx_chat_attachments_thread" json:"threadId"`
	Thread       *ChatThread    `gorm:"foreignKey:ThreadID;references:ThreadID;constraint:OnDelete:CASCADE" json:"-"`
	MessageID    *string        `gorm:"column:message_id;type:uuid" json:"messageId"`
	ObjectName   string         `gorm:"type:varchar(512);not null" json:"objectName"`
	FileName     string         `gorm:"type:varchar(255);not null" json:"fileName"`
	FileType     *string        `gorm:"type:varchar(100)" json:"fileType"`
	Size         int64          `gorm:"not null" json:"size"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ChatAttachment) TableName() string {
	return "chat_attachments"
}
