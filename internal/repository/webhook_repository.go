package repository

import (
	"threadchat-go/internal/model"

	"gorm.io/gorm"
)

// WebhookRepository 定义了 Webhook 订阅配置的持久化操作。
type WebhookRepository interface {
	Create(webhook *model.Webhook) error
	FindByID(webhookID string) (*model.Webhook, error)
	FindAll() ([]model.Webhook, error)
	FindActive() ([]model.Webhook, error)
	Update(webhook *model.Webhook) error
	Delete(webhookID string) error
}

// webhookRepository 是 WebhookRepository 接口的 GORM 实现。
type webhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository 创建一个新的 WebhookRepository 实例。
func NewWebhookRepository(db *gorm.DB) WebhookRepository {
	return &webhookRepository{db: db}
}

// Create 在数据库中创建一个新的 Webhook 订阅。
func (r *webhookRepository) Create(webhook *model.Webhook) error {
	return r.db.Create(webhook).Error
}

// FindByID 根据 ID 查找 Webhook 订阅。
func (r *webhookRepository) FindByID(webhookID string) (*model.Webhook, error) {
	var webhook model.Webhook
	err := r.db.Where("webhook_id = ?", webhookID).First(&webhook).Error
	if err != nil {
		return nil, err
	}
	return &webhook, nil
}

// FindAll 检索所有 Webhook 订阅。
func (r *webhookRepository) FindAll() ([]model.Webhook, error) {
	var webhooks []model.Webhook
	err := r.db.Find(&webhooks).Error
	return webhooks, err
}

// FindActive 检索所有处于启用状态的 Webhook 订阅。
func (r *webhookRepository) FindActive() ([]model.Webhook, error) {
	var webhooks []model.Webhook
	err := r.db.Where("active = ?", true).Find(&webhooks).Error
	return webhooks, err
}

// Update 更新一个已存在的 Webhook 订阅。
func (r *webhookRepository) Update(webhook *model.Webhook) error {
	return r.db.Save(webhook).Error
}

// Delete 删除一个 Webhook 订阅。
func (r *webhookRepository) Delete(webhookID string) error {
	return r.db.Where("webhook_id = ?", webhookID).Delete(&model.Webhook{}).Error
}
