package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"threadchat-go/internal/repository"
	"threadchat-go/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore 是测试用的内存聊天存储，事务语义与真实后端一致：
// 写入先暂存，Close(nil) 提交，Close(err) 丢弃。
type memStore struct {
	mu       sync.Mutex
	threads  map[string]repository.ThreadRecord
	messages []repository.MessageRecord
	tokens   map[string]bool
	active   int // 当前打开的事务数
	seq      int
}

func newMemStore() *memStore {
	return &memStore{
		threads: make(map[string]repository.ThreadRecord),
		tokens:  make(map[string]bool),
	}
}

func (s *memStore) factory() repository.Factory {
	return func() repository.ChatRepository { return &memRepo{store: s} }
}

func (s *memStore) openTransactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

type stagedOp func(*memStore)

// memRepo 是绑定单个"事务"的仓储实例。
type memRepo struct {
	store  *memStore
	staged []stagedOp
	// 事务内暂存的可见状态
	stagedThreads map[string]repository.ThreadRecord
	stagedTokens  map[string]bool
	begun         bool
	closed        bool
}

func (r *memRepo) Begin(ctx context.Context) error {
	if r.begun || r.closed {
		return repository.ErrRepositoryClosed
	}
	r.begun = true
	r.stagedThreads = make(map[string]repository.ThreadRecord)
	r.stagedTokens = make(map[string]bool)
	r.store.mu.Lock()
	r.store.active++
	r.store.mu.Unlock()
	return nil
}

func (r *memRepo) Close(cause error) error {
	if !r.begun || r.closed {
		return repository.ErrRepositoryClosed
	}
	r.closed = true
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.active--
	if cause == nil {
		for _, op := range r.staged {
			op(r.store)
		}
	}
	return nil
}

func (r *memRepo) check() error {
	if r.closed {
		return repository.ErrRepositoryClosed
	}
	if !r.begun {
		return repository.ErrNoTransaction
	}
	return nil
}

func (r *memRepo) InsertThread(ctx context.Context, threadID, userID, title string) error {
	if err := r.check(); err != nil {
		return err
	}
	r.store.mu.Lock()
	_, committed := r.store.threads[threadID]
	r.store.mu.Unlock()
	if committed {
		return fmt.Errorf("thread %s: %w", threadID, repository.ErrThreadConflict)
	}
	if _, ok := r.stagedThreads[threadID]; ok {
		return fmt.Errorf("thread %s: %w", threadID, repository.ErrThreadConflict)
	}
	titleCopy := title
	record := repository.ThreadRecord{ThreadID: threadID, UserID: userID, Title: &titleCopy, Status: "active"}
	r.stagedThreads[threadID] = record
	r.staged = append(r.staged, func(s *memStore) { s.threads[threadID] = record })
	return nil
}

func (r *memRepo) GetThread(ctx context.Context, threadID string) (*repository.ThreadRecord, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if record, ok := r.stagedThreads[threadID]; ok {
		return &record, nil
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if record, ok := r.store.threads[threadID]; ok {
		return &record, nil
	}
	return nil, nil
}

func (r *memRepo) InsertMessage(ctx context.Context, p repository.InsertMessageParams) (string, error) {
	if err := r.check(); err != nil {
		return "", err
	}
	if p.ClientMsgID != "" {
		r.store.mu.Lock()
		seen := r.store.tokens[p.ClientMsgID]
		r.store.mu.Unlock()
		if seen || r.stagedTokens[p.ClientMsgID] {
			return "", nil // 去重 no-op
		}
		r.stagedTokens[p.ClientMsgID] = true
	}
	r.store.mu.Lock()
	r.store.seq++
	id := fmt.Sprintf("m-%d", r.store.seq)
	r.store.mu.Unlock()
	params := p
	r.staged = append(r.staged, func(s *memStore) {
		s.messages = append(s.messages, repository.MessageRecord{
			MessageID: id,
			ThreadID:  params.ThreadID,
			UserID:    params.UserID,
			Role:      params.Role,
			Content:   params.Content,
			Metadata:  params.Metadata,
		})
		if params.ClientMsgID != "" {
			s.tokens[params.ClientMsgID] = true
		}
	})
	return id, nil
}

func (r *memRepo) ListMessages(ctx context.Context, threadID string, limit int) ([]repository.MessageRecord, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	// 最新的在前
	out := make([]repository.MessageRecord, 0)
	for i := len(r.store.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if r.store.messages[i].ThreadID == threadID {
			out = append(out, r.store.messages[i])
		}
	}
	return out, nil
}

// fakeLLM 记录每次调用时传入的消息和当时打开的事务数。
type fakeLLM struct {
	store        *memStore
	failNext     bool
	lastMessages []llm.Message
	txDuringCall []int
}

func (f *fakeLLM) Generate(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	f.lastMessages = messages
	f.txDuringCall = append(f.txDuringCall, f.store.openTransactions())
	if f.failNext {
		return "", errors.New("llm unavailable")
	}
	return "AI response to: " + messages[len(messages)-1].Content, nil
}

func (f *fakeLLM) StreamChatMessages(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams, writer llm.MessageWriter) (string, error) {
	reply, err := f.Generate(ctx, messages, gen)
	if err != nil {
		return "", err
	}
	if err := writer.WriteMessage(1, []byte(reply)); err != nil {
		return "", err
	}
	return reply, nil
}

func newTestChatService(store *memStore, llmClient llm.Client) ChatService {
	return NewChatService(store.factory(), llmClient, NewTitleService(nil))
}

func countMessages(store *memStore, threadID string) (user, assistant int) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, m := range store.messages {
		if m.ThreadID != threadID {
			continue
		}
		switch m.Role {
		case "user":
			user++
		case "assistant":
			assistant++
		}
	}
	return
}

func TestCreateThreadWithFirstMessage(t *testing.T) {
	store := newMemStore()
	fake := &fakeLLM{store: store}
	svc := newTestChatService(store, fake)

	result, err := svc.CreateThreadWithFirstMessage(context.Background(), "", "u1", "", "你好，介绍一下自己", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.ThreadID)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, "你好，介绍一下自己", result.UserMessage)
	assert.Equal(t, "AI response to: 你好，介绍一下自己", result.AIReply)

	userCount, assistantCount := countMessages(store, result.ThreadID)
	assert.Equal(t, 1, userCount)
	assert.Equal(t, 1, assistantCount)

	// 标题来自首条消息
	thread := store.threads[result.ThreadID]
	require.NotNil(t, thread.Title)
	assert.Equal(t, "你好，介绍一下自己", *thread.Title)

	// LLM 调用期间没有打开的事务
	for _, n := range fake.txDuringCall {
		assert.Zero(t, n)
	}
	// 所有事务都已关闭
	assert.Zero(t, store.openTransactions())
}

func TestCreateThreadWithFirstMessage_LLMFailureKeepsUserMessage(t *testing.T) {
	store := newMemStore()
	fake := &fakeLLM{store: store, failNext: true}
	svc := newTestChatService(store, fake)

	_, err := svc.CreateThreadWithFirstMessage(context.Background(), "", "u1", "", "第一条消息", nil)
	require.Error(t, err)

	// 用户消息已提交，线程停留在部分状态
	require.Len(t, store.threads, 1)
	var threadID string
	for id := range store.threads {
		threadID = id
	}
	userCount, assistantCount := countMessages(store, threadID)
	assert.Equal(t, 1, userCount)
	assert.Equal(t, 0, assistantCount)
	assert.Zero(t, store.openTransactions())
}

func TestAddMessageAndReply(t *testing.T) {
	store := newMemStore()
	fake := &fakeLLM{store: store}
	svc := newTestChatService(store, fake)

	first, err := svc.CreateThreadWithFirstMessage(context.Background(), "", "u1", "", "第一轮", nil)
	require.NoError(t, err)

	result, err := svc.AddMessageAndReply(context.Background(), first.ThreadID, "u1", "第二轮", nil)
	require.NoError(t, err)
	assert.Equal(t, "AI response to: 第二轮", result.AIReply)

	// 传给 LLM 的历史是时间正序，最后一条是本轮消息
	require.NotEmpty(t, fake.lastMessages)
	assert.Equal(t, "第一轮", fake.lastMessages[0].Content)
	assert.Equal(t, "第二轮", fake.lastMessages[len(fake.lastMessages)-1].Content)

	userCount, assistantCount := countMessages(store, first.ThreadID)
	assert.Equal(t, 2, userCount)
	assert.Equal(t, 2, assistantCount)
}

func TestAddMessageAndReply_ThreadNotFound(t *testing.T) {
	store := newMemStore()
	svc := newTestChatService(store, &fakeLLM{store: store})

	_, err := svc.AddMessageAndReply(context.Background(), "no-such-thread", "u1", "内容", nil)
	assert.ErrorIs(t, err, ErrThreadNotFound)
	assert.Zero(t, store.openTransactions())
}

func TestCreateEmptyThread(t *testing.T) {
	store := newMemStore()
	svc := newTestChatService(store, &fakeLLM{store: store})

	thread, err := svc.CreateEmptyThread(context.Background(), "u1", "我的话题")
	require.NoError(t, err)
	require.NotNil(t, thread)
	require.NotNil(t, thread.Title)
	assert.Equal(t, "我的话题", *thread.Title)

	userCount, assistantCount := countMessages(store, thread.ThreadID)
	assert.Zero(t, userCount)
	assert.Zero(t, assistantCount)
}

func TestAddUserMessage_Dedup(t *testing.T) {
	store := newMemStore()
	svc := newTestChatService(store, &fakeLLM{store: store})

	thread, err := svc.CreateEmptyThread(context.Background(), "u1", "")
	require.NoError(t, err)

	require.NoError(t, svc.AddUserMessage(context.Background(), thread.ThreadID, "u1", "内容", "tok-1"))
	// 同一令牌重试：成功返回且不产生新消息
	require.NoError(t, svc.AddUserMessage(context.Background(), thread.ThreadID, "u1", "重试内容", "tok-1"))

	userCount, _ := countMessages(store, thread.ThreadID)
	assert.Equal(t, 1, userCount)
}

func TestAddUserMessage_ThreadNotFound(t *testing.T) {
	store := newMemStore()
	svc := newTestChatService(store, &fakeLLM{store: store})

	err := svc.AddUserMessage(context.Background(), "no-such-thread", "u1", "内容", "")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestGetThreadInfo_NotFound(t *testing.T) {
	store := newMemStore()
	svc := newTestChatService(store, &fakeLLM{store: store})

	_, err := svc.GetThreadInfo(context.Background(), "no-such-thread")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestGetThreadMessages(t *testing.T) {
	store := newMemStore()
	svc := newTestChatService(store, &fakeLLM{store: store})

	first, err := svc.CreateThreadWithFirstMessage(context.Background(), "", "u1", "", "问题", nil)
	require.NoError(t, err)

	messages, err := svc.GetThreadMessages(context.Background(), first.ThreadID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	// 最新的在前：助手回复在用户消息之前
	assert.Equal(t, "assistant", messages[0].Role)
	assert.Equal(t, "user", messages[1].Role)
}

func TestCreateThreadWithFirstMessage_SuppliedIDAndTitle(t *testing.T) {
	store := newMemStore()
	fake := &fakeLLM{store: store}
	svc := newTestChatService(store, fake)

	result, err := svc.CreateThreadWithFirstMessage(context.Background(), "thread-1", "u1", "自选标题", "你好", nil)
	require.NoError(t, err)
	assert.Equal(t, "thread-1", result.ThreadID)

	thread := store.threads["thread-1"]
	require.NotNil(t, thread.Title)
	assert.Equal(t, "自选标题", *thread.Title)
}

func TestCreateThreadWithFirstMessage_ThreadConflict(t *testing.T) {
	store := newMemStore()
	fake := &fakeLLM{store: store}
	svc := newTestChatService(store, fake)

	_, err := svc.CreateThreadWithFirstMessage(context.Background(), "thread-1", "u1", "", "第一次", nil)
	require.NoError(t, err)
	llmCalls := len(fake.txDuringCall)

	// 同一 ID 再建：冲突原样向上传播，没有新消息，也不再调用 LLM
	_, err = svc.CreateThreadWithFirstMessage(context.Background(), "thread-1", "u2", "", "再来一次", nil)
	assert.ErrorIs(t, err, repository.ErrThreadConflict)
	assert.Equal(t, llmCalls, len(fake.txDuringCall))

	userCount, assistantCount := countMessages(store, "thread-1")
	assert.Equal(t, 1, userCount)
	assert.Equal(t, 1, assistantCount)
	assert.Zero(t, store.openTransactions())
}

func TestAddMessageAndReply_CustomGenerate(t *testing.T) {
	store := newMemStore()
	fake := &fakeLLM{store: store}
	svc := newTestChatService(store, fake)

	first, err := svc.CreateThreadWithFirstMessage(context.Background(), "", "u1", "", "第一轮", nil)
	require.NoError(t, err)

	var gotContent string
	var gotHistory []repository.MessageRecord
	var txDuring int
	result, err := svc.AddMessageAndReply(context.Background(), first.ThreadID, "u1", "第二轮",
		func(ctx context.Context, content string, history []repository.MessageRecord) (string, error) {
			gotContent = content
			gotHistory = history
			txDuring = store.openTransactions()
			return "自定义回复", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "自定义回复", result.AIReply)
	assert.Equal(t, "第二轮", gotContent)
	// generate 调用期间没有打开的事务
	assert.Zero(t, txDuring)

	// 历史最新在前，第一条就是本轮刚提交的消息
	require.NotEmpty(t, gotHistory)
	assert.Equal(t, "第二轮", gotHistory[0].Content)

	// 自定义回复已落库
	_, assistantCount := countMessages(store, first.ThreadID)
	assert.Equal(t, 2, assistantCount)
}

func TestAddMessageAndReply_GenerateFailureKeepsUserMessage(t *testing.T) {
	store := newMemStore()
	fake := &fakeLLM{store: store}
	svc := newTestChatService(store, fake)

	first, err := svc.CreateThreadWithFirstMessage(context.Background(), "", "u1", "", "第一轮", nil)
	require.NoError(t, err)

	_, err = svc.AddMessageAndReply(context.Background(), first.ThreadID, "u1", "第二轮",
		func(ctx context.Context, content string, history []repository.MessageRecord) (string, error) {
			return "", errors.New("llm unavailable")
		})
	require.ErrorContains(t, err, "llm unavailable")

	// 本轮用户消息已提交，回复缺失，属于可接受的部分状态
	userCount, assistantCount := countMessages(store, first.ThreadID)
	assert.Equal(t, 2, userCount)
	assert.Equal(t, 1, assistantCount)
	assert.Zero(t, store.openTransactions())
}
