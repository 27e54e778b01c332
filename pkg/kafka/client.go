// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"threadchat-go/internal/config"
	"threadchat-go/internal/events"
	"threadchat-go/pkg/database"
	"threadchat-go/pkg/log"

	"github.com/segmentio/kafka-go"
)

// EventProcessor defines the interface for any service that can process a chat event.
// This decouples the Kafka consumer from the concrete dispatcher implementation.
type EventProcessor interface {
	Process(ctx context.Context, event events.ChatEvent) error
}

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// PublishChatEvent 发送一条聊天事件到 Kafka。
// 事件以 thread_id 为 key，保证同一线程内事件有序。
func PublishChatEvent(ctx context.Context, event events.ChatEvent) error {
	if producer == nil {
		// 单机部署（SQLite 模式）下可能不启用 Kafka
		return nil
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.ThreadID),
		Value: eventBytes,
	})
}

// StartConsumer 启动一个 Kafka 消费者来处理聊天事件。
// 处理失败时使用 Redis 计数，达到阈值后提交 offset 终止重试。
func StartConsumer(cfg config.KafkaConfig, maxAttempts int, processor EventProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  "threadchat-dispatcher",
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for {
		m, err := r.FetchMessage(context.Background())
		if err != nil {
			log.Error("从 Kafka 读取消息失败", err)
			break
		}

		var event events.ChatEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		eventKey := fmt.Sprintf("%s:%d:%d", event.Type, m.Partition, m.Offset)
		if err := processor.Process(context.Background(), event); err != nil {
			log.Errorf("处理聊天事件失败: type=%s, thread=%s, error: %v", event.Type, event.ThreadID, err)
			if database.RDB == nil {
				// 无 Redis 时没有重试计数，直接提交避免死循环
				if err := r.CommitMessages(context.Background(), m); err != nil {
					log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
				}
				continue
			}
			attemptsKey := "kafka:attempts:" + eventKey
			attempts, incErr := database.RDB.Incr(context.Background(), attemptsKey).Result()
			if incErr != nil {
				// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
				continue
			}
			_ = database.RDB.Expire(context.Background(), attemptsKey, 24*time.Hour).Err()
			if attempts >= int64(maxAttempts) {
				log.Errorf("聊天事件多次失败(>=%d)，提交 offset 终止重试: %s", maxAttempts, eventKey)
				if err := r.CommitMessages(context.Background(), m); err != nil {
					log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
				}
			}
		} else {
			if database.RDB != nil {
				_ = database.RDB.Del(context.Background(), "kafka:attempts:"+eventKey).Err()
			}
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}

	if err := r.Close(); err != nil {
		log.Fatalf("关闭 Kafka 消费者失败: %v", err)
	}
}
