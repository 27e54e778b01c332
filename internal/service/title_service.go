package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"threadchat-go/pkg/llm"
	"threadchat-go/pkg/log"
)

const (
	titleMaxRunes   = 50
	titleLLMTimeout = 10 * time.Second
)

// TitleService 为聊天线程生成标题。
type TitleService interface {
	// GenerateTitle 根据首条消息生成一个简短标题。LLM 不可用或出错时
	// 退化为对消息内容的截断，永远不会返回错误。
	GenerateTitle(ctx context.Context, firstMessage string) string
}

type titleService struct {
	llmClient llm.Client
}

// NewTitleService 创建一个新的 TitleService 实例。
// llmClient 可以为 nil，此时只做截断。
func NewTitleService(llmClient llm.Client) TitleService {
	return &titleService{llmClient: llmClient}
}

// GenerateTitle 根据首条消息生成线程标题。
func (s *titleService) GenerateTitle(ctx context.Context, firstMessage string) string {
	fallback := truncateTitle(firstMessage)
	if s.llmClient == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, titleLLMTimeout)
	defer cancel()

	messages := []llm.Message{
		{Role: "system", Content: "你是一个标题助手。请用不超过 10 个词概括用户消息的主题，直接输出标题本身，不要引号和标点结尾。"},
		{Role: "user", Content: firstMessage},
	}
	title, err := s.llmClient.Generate(ctx, messages, nil)
	if err != nil {
		log.Warnf("[TitleService] LLM 生成标题失败，使用截断标题: %v", err)
		return fallback
	}
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"“”`))
	if title == "" {
		return fallback
	}
	return truncateTitle(title)
}

// truncateTitle 按 rune 截断，避免把多字节字符切成半个。
func truncateTitle(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexAny(s, "\r\n"); idx >= 0 {
		s = strings.TrimSpace(s[:idx])
	}
	if s == "" {
		return "新对话"
	}
	if utf8.RuneCountInString(s) <= titleMaxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:titleMaxRunes]) + "…"
}
