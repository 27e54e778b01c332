package service

import (
	"context"

	"threadchat-go/internal/config"
	"threadchat-go/internal/model"
	"threadchat-go/pkg/es"
)

// SearchService 定义了消息全文检索的操作接口。
// 索引数据由 Kafka 消费者异步写入，检索结果相对写入是最终一致的。
type SearchService interface {
	SearchMessages(ctx context.Context, userID, query string, topK int) ([]model.MessageSearchResult, error)
}

type searchService struct {
	indexName string
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService() SearchService {
	return &searchService{indexName: config.Conf.Elasticsearch.IndexName}
}

// SearchMessages 在用户自己的消息范围内做全文检索。
func (s *searchService) SearchMessages(ctx context.Context, userID, query string, topK int) ([]model.MessageSearchResult, error) {
	if topK <= 0 {
		topK = 10
	}
	return es.SearchMessages(ctx, s.indexName, userID, query, topK)
}
