package repository

import (
	"threadchat-go/internal/model"

	"gorm.io/gorm"
)

// AttachmentRepository 定义了聊天附件元数据的持久化操作。
// 附件内容本体存放在对象存储中，这里只管理索引记录。
type AttachmentRepository interface {
	Create(attachment *model.ChatAttachment) error
	FindByID(attachmentID string) (*model.ChatAttachment, error)
	FindByThreadID(threadID string) ([]model.ChatAttachment, error)
	Delete(attachmentID string) error
}

// attachmentRepository 是 AttachmentRepository 接口的 GORM 实现。
type attachmentRepository struct {
	db *gorm.DB
}

// NewAttachmentRepository 创建一个新的 AttachmentRepository 实例。
func NewAttachmentRepository(db *gorm.DB) AttachmentRepository {
	return &attachmentRepository{db: db}
}

// Create 在数据库中创建一条附件记录。
func (r *attachmentRepository) Create(attachment *model.ChatAttachment) error {
	return r.db.Create(attachment).Error
}

// FindByID 根据 ID 查找附件记录。
func (r *attachmentRepository) FindByID(attachmentID string) (*model.ChatAttachment, error) {
	var attachment model.ChatAttachment
	err := r.db.Where("attachment_id = ?", attachmentID).First(&attachment).Error
	if err != nil {
		return nil, err
	}
	return &attachment, nil
}

// FindByThreadID 列出某个线程下的全部附件记录。
func (r *attachmentRepository) FindByThreadID(threadID string) ([]model.ChatAttachment, error) {
	var attachments []model.ChatAttachment
	err := r.db.Where("thread_id = ?", threadID).Order("created_at DESC").Find(&attachments).Error
	return attachments, err
}

// Delete 删除一条附件记录。
func (r *attachmentRepository) Delete(attachmentID string) error {
	return r.db.Where("attachment_id = ?", attachmentID).Delete(&model.ChatAttachment{}).Error
}
