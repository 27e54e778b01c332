package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"threadchat-go/internal/model"
	"threadchat-go/internal/repository"
	"threadchat-go/pkg/token"

	"github.com/google/uuid"
)

// WebhookService 管理 Webhook 订阅配置。
type WebhookService interface {
	Create(name, rawURL string, events []string) (*model.Webhook, error)
	List() ([]model.Webhook, error)
	Get(webhookID string) (*model.Webhook, error)
	SetActive(webhookID string, active bool) error
	Delete(webhookID string) error
}

type webhookService struct {
	webhookRepo repository.WebhookRepository
}

// NewWebhookService 创建一个新的 WebhookService 实例。
func NewWebhookService(webhookRepo repository.WebhookRepository) WebhookService {
	return &webhookService{webhookRepo: webhookRepo}
}

// Create 注册一个新的 Webhook 订阅，自动生成签名密钥。
func (s *webhookService) Create(name, rawURL string, eventTypes []string) (*model.Webhook, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, errors.New("invalid webhook url")
	}
	for _, et := range eventTypes {
		if et != model.EventThreadCreated && et != model.EventMessageCreated {
			return nil, fmt.Errorf("unknown event type: %s", et)
		}
	}
	if len(eventTypes) == 0 {
		eventTypes = []string{model.EventThreadCreated, model.EventMessageCreated}
	}

	eventsJSON, err := json.Marshal(eventTypes)
	if err != nil {
		return nil, err
	}
	webhook := &model.Webhook{
		WebhookID: uuid.NewString(),
		Name:      name,
		URL:       rawURL,
		Events:    eventsJSON,
		Active:    true,
		Secret:    token.GenerateRandomString(32),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.webhookRepo.Create(webhook); err != nil {
		return nil, err
	}
	return webhook, nil
}

// List 列出全部 Webhook 订阅。
func (s *webhookService) List() ([]model.Webhook, error) {
	return s.webhookRepo.FindAll()
}

// Get 查询单个 Webhook 订阅。
func (s *webhookService) Get(webhookID string) (*model.Webhook, error) {
	return s.webhookRepo.FindByID(webhookID)
}

// SetActive 启用或停用一个 Webhook 订阅。
func (s *webhookService) SetActive(webhookID string, active bool) error {
	webhook, err := s.webhookRepo.FindByID(webhookID)
	if err != nil {
		return err
	}
	webhook.Active = active
	return s.webhookRepo.Update(webhook)
}

// Delete 删除一个 Webhook 订阅。
func (s *webhookService) Delete(webhookID string) error {
	return s.webhookRepo.Delete(webhookID)
}
