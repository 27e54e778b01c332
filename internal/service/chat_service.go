// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"threadchat-go/internal/config"
	"threadchat-go/internal/events"
	"threadchat-go/internal/model"
	"threadchat-go/internal/repository"
	"threadchat-go/pkg/kafka"
	"threadchat-go/pkg/llm"
	"threadchat-go/pkg/log"

	"github.com/google/uuid"
)

// ErrThreadNotFound 表示目标线程不存在。
var ErrThreadNotFound = errors.New("service: thread not found")

const defaultHistoryLimit = 50

// GenerateFunc 在无事务状态下生成回复。content 是本轮用户消息，
// history 与 ListMessages 的返回一致：最新的在前，且在追加流程中
// 已包含刚提交的本轮消息。传 nil 时使用注入的 LLM 客户端。
type GenerateFunc func(ctx context.Context, content string, history []repository.MessageRecord) (string, error)

// ChatResult 是一次"用户消息 + AI 回复"编排的结果。
type ChatResult struct {
	ThreadID    string `json:"threadId"`
	Status      string `json:"status"`
	UserMessage string `json:"userMessage"`
	AIReply     string `json:"aiReply"`
}

// ChatService 定义了聊天线程与消息的编排操作。
//
// 所有写操作都通过事务作用域的 ChatRepository 完成，每个事务对应
// 一个新的仓储实例。生成回复期间绝不持有数据库事务：先提交用户
// 消息，再调用 generate，最后在新事务里提交回复。因此 generate 失败
// 会留下"只有用户消息"的线程，这是可接受的部分状态，调用方可以
// 通过再次走追加路径补齐回复。
type ChatService interface {
	// CreateThreadWithFirstMessage 用给定 ID 创建线程并完成首轮对话。
	// threadID 为空时由服务端生成；已存在时返回 ErrThreadConflict。
	// title 为空时根据首条消息生成。
	CreateThreadWithFirstMessage(ctx context.Context, threadID, userID, title, firstMsg string, generate GenerateFunc) (*ChatResult, error)
	AddMessageAndReply(ctx context.Context, threadID, userID, content string, generate GenerateFunc) (*ChatResult, error)
	StreamMessageAndReply(ctx context.Context, threadID, userID, content string, writer llm.MessageWriter) (*ChatResult, error)
	CreateEmptyThread(ctx context.Context, userID, title string) (*repository.ThreadRecord, error)
	AddUserMessage(ctx context.Context, threadID, userID, content, clientMsgID string) error
	GetThreadInfo(ctx context.Context, threadID string) (*repository.ThreadRecord, error)
	GetThreadMessages(ctx context.Context, threadID string, limit int) ([]repository.MessageRecord, error)
}

type chatService struct {
	repoFactory  repository.Factory
	llmClient    llm.Client
	titleService TitleService
	historyLimit int
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(repoFactory repository.Factory, llmClient llm.Client, titleService TitleService) ChatService {
	historyLimit := config.Conf.Chat.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &chatService{
		repoFactory:  repoFactory,
		llmClient:    llmClient,
		titleService: titleService,
		historyLimit: historyLimit,
	}
}

// withRepo 在一个事务作用域内执行 fn：Begin 开启事务，fn 返回 nil 则
// 提交，返回错误或 panic 则回滚。这是服务层访问聊天存储的唯一途径。
func (s *chatService) withRepo(ctx context.Context, fn func(repo repository.ChatRepository) error) (err error) {
	repo := s.repoFactory()
	if err = repo.Begin(ctx); err != nil {
		return fmt.Errorf("begin repository: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = repo.Close(fmt.Errorf("panic: %v", r))
			panic(r)
		}
		if cerr := repo.Close(err); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(repo)
}

// promptMessages 把最新在前的历史翻转成时间正序的 LLM 消息序列。
// 历史里尚不含本轮消息时（首轮对话），把它补在末尾。
func promptMessages(content string, history []repository.MessageRecord) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+1)
	for i := len(history) - 1; i >= 0; i-- {
		messages = append(messages, llm.Message{Role: history[i].Role, Content: history[i].Content})
	}
	if n := len(messages); n == 0 || messages[n-1].Role != model.RoleUser || messages[n-1].Content != content {
		messages = append(messages, llm.Message{Role: model.RoleUser, Content: content})
	}
	return messages
}

// defaultGenerate 是 generate 为 nil 时的缺省实现，走注入的 LLM 客户端。
func (s *chatService) defaultGenerate(ctx context.Context, content string, history []repository.MessageRecord) (string, error) {
	return s.llmClient.Generate(ctx, promptMessages(content, history), nil)
}

// CreateThreadWithFirstMessage 创建线程并完成首轮对话。
//
// 事务一：插入线程 + 用户消息并提交；然后在无事务状态下调用
// generate；事务二：插入 AI 回复。threadID 冲突原样向上传播。
func (s *chatService) CreateThreadWithFirstMessage(ctx context.Context, threadID, userID, title, firstMsg string, generate GenerateFunc) (*ChatResult, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	if title == "" {
		title = s.titleService.GenerateTitle(ctx, firstMsg)
	}
	if generate == nil {
		generate = s.defaultGenerate
	}

	var userMsgID string
	err := s.withRepo(ctx, func(repo repository.ChatRepository) error {
		if err := repo.InsertThread(ctx, threadID, userID, title); err != nil {
			return err
		}
		var err error
		userMsgID, err = repo.InsertMessage(ctx, repository.InsertMessageParams{
			ThreadID: threadID,
			UserID:   userID,
			Role:     model.RoleUser,
			Content:  firstMsg,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publishEvent(events.ChatEvent{
		Type: model.EventThreadCreated, ThreadID: threadID, MessageID: userMsgID,
		UserID: userID, Role: model.RoleUser, Content: firstMsg,
	})

	reply, err := generate(ctx, firstMsg, nil)
	if err != nil {
		// 用户消息已提交，线程停留在部分状态
		return nil, fmt.Errorf("generate reply for thread %s: %w", threadID, err)
	}

	if err := s.saveReply(ctx, threadID, reply); err != nil {
		return nil, err
	}
	return &ChatResult{ThreadID: threadID, Status: "completed", UserMessage: firstMsg, AIReply: reply}, nil
}

// AddMessageAndReply 在已有线程上追加用户消息并生成回复。
//
// 事务一：校验线程存在并插入用户消息；事务二：读取最近历史作为
// 上下文（此时已含本轮消息）；generate 在事务之外调用；事务三：
// 插入 AI 回复。
func (s *chatService) AddMessageAndReply(ctx context.Context, threadID, userID, content string, generate GenerateFunc) (*ChatResult, error) {
	if generate == nil {
		generate = s.defaultGenerate
	}

	var userMsgID string
	err := s.withRepo(ctx, func(repo repository.ChatRepository) error {
		thread, err := repo.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		if thread == nil {
			return fmt.Errorf("thread %s: %w", threadID, ErrThreadNotFound)
		}
		userMsgID, err = repo.InsertMessage(ctx, repository.InsertMessageParams{
			ThreadID: threadID,
			UserID:   userID,
			Role:     model.RoleUser,
			Content:  content,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publishEvent(events.ChatEvent{
		Type: model.EventMessageCreated, ThreadID: threadID, MessageID: userMsgID,
		UserID: userID, Role: model.RoleUser, Content: content,
	})

	var history []repository.MessageRecord
	err = s.withRepo(ctx, func(repo repository.ChatRepository) error {
		var err error
		history, err = repo.ListMessages(ctx, threadID, s.historyLimit)
		return err
	})
	if err != nil {
		return nil, err
	}

	reply, err := generate(ctx, content, history)
	if err != nil {
		return nil, fmt.Errorf("generate reply for thread %s: %w", threadID, err)
	}

	if err := s.saveReply(ctx, threadID, reply); err != nil {
		return nil, err
	}
	return &ChatResult{ThreadID: threadID, Status: "completed", UserMessage: content, AIReply: reply}, nil
}

// StreamMessageAndReply 与 AddMessageAndReply 语义相同，但回复以
// 流式分块写入 writer。事务边界不变：流式调用期间没有事务。
func (s *chatService) StreamMessageAndReply(ctx context.Context, threadID, userID, content string, writer llm.MessageWriter) (*ChatResult, error) {
	return s.AddMessageAndReply(ctx, threadID, userID, content,
		func(ctx context.Context, content string, history []repository.MessageRecord) (string, error) {
			return s.llmClient.StreamChatMessages(ctx, promptMessages(content, history), nil, writer)
		})
}

// CreateEmptyThread 创建一个没有任何消息的线程。
func (s *chatService) CreateEmptyThread(ctx context.Context, userID, title string) (*repository.ThreadRecord, error) {
	threadID := uuid.NewString()
	if title == "" {
		title = "新对话"
	}

	var thread *repository.ThreadRecord
	err := s.withRepo(ctx, func(repo repository.ChatRepository) error {
		if err := repo.InsertThread(ctx, threadID, userID, title); err != nil {
			return err
		}
		var err error
		thread, err = repo.GetThread(ctx, threadID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publishEvent(events.ChatEvent{
		Type: model.EventThreadCreated, ThreadID: threadID, UserID: userID,
	})
	return thread, nil
}

// AddUserMessage 向已有线程追加一条用户消息，不触发 AI 回复。
// clientMsgID 非空时作为去重令牌：重复提交同一令牌会成功返回且不产生
// 新消息，调用方无法也无需区分这两种结果。
func (s *chatService) AddUserMessage(ctx context.Context, threadID, userID, content, clientMsgID string) error {
	var msgID string
	err := s.withRepo(ctx, func(repo repository.ChatRepository) error {
		thread, err := repo.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		if thread == nil {
			return fmt.Errorf("thread %s: %w", threadID, ErrThreadNotFound)
		}
		msgID, err = repo.InsertMessage(ctx, repository.InsertMessageParams{
			ThreadID:    threadID,
			UserID:      userID,
			Role:        model.RoleUser,
			Content:     content,
			ClientMsgID: clientMsgID,
		})
		return err
	})
	if err != nil {
		return err
	}
	// 去重 no-op 没有产生新消息，不发事件
	if msgID == "" {
		return nil
	}
	s.publishEvent(events.ChatEvent{
		Type: model.EventMessageCreated, ThreadID: threadID, MessageID: msgID,
		UserID: userID, Role: model.RoleUser, Content: content,
	})
	return nil
}

// GetThreadInfo 查询线程信息。线程不存在时返回 ErrThreadNotFound。
func (s *chatService) GetThreadInfo(ctx context.Context, threadID string) (*repository.ThreadRecord, error) {
	var thread *repository.ThreadRecord
	err := s.withRepo(ctx, func(repo repository.ChatRepository) error {
		var err error
		thread, err = repo.GetThread(ctx, threadID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrThreadNotFound)
	}
	return thread, nil
}

// GetThreadMessages 查询线程内的消息，最新的在前。
func (s *chatService) GetThreadMessages(ctx context.Context, threadID string, limit int) ([]repository.MessageRecord, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	var messages []repository.MessageRecord
	err := s.withRepo(ctx, func(repo repository.ChatRepository) error {
		thread, err := repo.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		if thread == nil {
			return fmt.Errorf("thread %s: %w", threadID, ErrThreadNotFound)
		}
		messages, err = repo.ListMessages(ctx, threadID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// saveReply 在新事务里保存 AI 回复。
func (s *chatService) saveReply(ctx context.Context, threadID, reply string) error {
	var replyID string
	err := s.withRepo(ctx, func(repo repository.ChatRepository) error {
		var err error
		replyID, err = repo.InsertMessage(ctx, repository.InsertMessageParams{
			ThreadID: threadID,
			UserID:   model.SystemUserID,
			Role:     model.RoleAssistant,
			Content:  reply,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("save assistant reply: %w", err)
	}
	s.publishEvent(events.ChatEvent{
		Type: model.EventMessageCreated, ThreadID: threadID, MessageID: replyID,
		UserID: model.SystemUserID, Role: model.RoleAssistant, Content: reply,
	})
	return nil
}

// publishEvent 尽力而为地发布事件，失败只记日志不影响主流程。
func (s *chatService) publishEvent(event events.ChatEvent) {
	event.Timestamp = time.Now().UTC()
	// 使用后台上下文：请求被取消也不应丢事件
	if err := kafka.PublishChatEvent(context.Background(), event); err != nil {
		log.Errorf("[ChatService] 发布事件 %s 失败: %v", event.Type, err)
	}
}
