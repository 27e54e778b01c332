// Package webhook 实现了聊天事件的外部分发。
//
// Dispatcher 作为 Kafka 消费者的处理器运行：每条已提交的聊天事件
// 会被推送给所有订阅了该事件类型的 Webhook，并同步写入 Elasticsearch
// 索引。任一环节失败都会返回错误，交由消费者按重试策略处理。
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"threadchat-go/internal/config"
	"threadchat-go/internal/events"
	"threadchat-go/internal/model"
	"threadchat-go/internal/repository"
	"threadchat-go/pkg/es"
	"threadchat-go/pkg/log"
)

// Dispatcher 消费聊天事件，分发 Webhook 并维护搜索索引。
type Dispatcher struct {
	webhookRepo repository.WebhookRepository
	httpClient  *http.Client
	indexName   string
	indexingOn  bool
}

// NewDispatcher 创建一个新的 Dispatcher 实例。
// indexingOn 为 false 时跳过 Elasticsearch 写入（未启用 ES 的部署）。
func NewDispatcher(webhookRepo repository.WebhookRepository, indexingOn bool) *Dispatcher {
	timeout := time.Duration(config.Conf.Webhook.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		webhookRepo: webhookRepo,
		httpClient:  &http.Client{Timeout: timeout},
		indexName:   config.Conf.Elasticsearch.IndexName,
		indexingOn:  indexingOn,
	}
}

// Process 处理一条聊天事件。实现 kafka.EventProcessor。
func (d *Dispatcher) Process(ctx context.Context, event events.ChatEvent) error {
	if d.indexingOn && event.Type == model.EventMessageCreated {
		if err := d.indexMessage(ctx, event); err != nil {
			return fmt.Errorf("index message: %w", err)
		}
	}
	return d.dispatch(ctx, event)
}

// indexMessage 将消息事件写入搜索索引。
// 文档 ID 由事件内容确定性地推导，Kafka 重复投递时写入是幂等的。
func (d *Dispatcher) indexMessage(ctx context.Context, event events.ChatEvent) error {
	docID := event.MessageID
	if docID == "" {
		sum := sha256.Sum256([]byte(event.ThreadID + "|" + event.Role + "|" + event.Timestamp.Format(time.RFC3339Nano)))
		docID = hex.EncodeToString(sum[:16])
	}
	return es.IndexMessage(ctx, d.indexName, model.MessageDocument{
		MessageID: docID,
		ThreadID:  event.ThreadID,
		UserID:    event.UserID,
		Role:      event.Role,
		Content:   event.Content,
		CreatedAt: event.Timestamp,
	})
}

// dispatch 把事件推送给所有匹配的活跃订阅。
func (d *Dispatcher) dispatch(ctx context.Context, event events.ChatEvent) error {
	webhooks, err := d.webhookRepo.FindActive()
	if err != nil {
		return fmt.Errorf("load webhooks: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var failed int
	for _, wh := range webhooks {
		if !subscribes(wh, event.Type) {
			continue
		}
		if err := d.deliver(ctx, wh, payload); err != nil {
			log.Errorf("[Dispatcher] webhook %s (%s) 投递失败: %v", wh.Name, wh.WebhookID, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d webhook deliveries failed", failed)
	}
	return nil
}

// deliver 向单个 Webhook 发起 POST，带 HMAC-SHA256 签名头。
func (d *Dispatcher) deliver(ctx context.Context, wh model.Webhook, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", sign(wh.Secret, payload))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// subscribes 判断订阅的事件列表是否包含该事件类型。
func subscribes(wh model.Webhook, eventType string) bool {
	var eventTypes []string
	if err := json.Unmarshal(wh.Events, &eventTypes); err != nil {
		return false
	}
	for _, et := range eventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}

// sign 计算负载的 HMAC-SHA256 十六进制签名。
func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
