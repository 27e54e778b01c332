// Package repository 提供了数据访问层的实现。
//
// ChatRepository 是一个事务作用域资源：每个实例绑定且只绑定一个
// 数据库事务。Begin 打开连接并开启事务，Close 根据传入的错误决定
// 提交或回滚，并在任何情况下归还连接。实例不可复用，Close 之后的
// 任何调用都会返回 ErrRepositoryClosed。
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNoTransaction 在事务开启前调用读写操作时返回。
	ErrNoTransaction = errors.New("repository: no active transaction")
	// ErrRepositoryClosed 在实例被复用（重复 Begin 或 Close 之后继续调用）时返回。
	ErrRepositoryClosed = errors.New("repository: already closed")
	// ErrThreadConflict 表示插入的线程 ID 已存在。
	ErrThreadConflict = errors.New("repository: thread already exists")
)

// ThreadRecord 是后端无关的线程读取结果。
// 两个后端对同一操作序列必须返回逻辑上完全一致的记录。
type ThreadRecord struct {
	ThreadID  string         `json:"threadId"`
	UserID    string         `json:"userId"`
	Title     *string        `json:"title"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// MessageRecord 是后端无关的消息读取结果。
type MessageRecord struct {
	MessageID string         `json:"messageId"`
	ThreadID  string         `json:"threadId"`
	UserID    string         `json:"userId"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
}

// InsertMessageParams 是 InsertMessage 的入参。
// ClientMsgID 为空字符串时表示不参与去重（列存 NULL）。
type InsertMessageParams struct {
	ThreadID    string
	UserID      string
	Role        string
	Content     string
	Metadata    map[string]any
	ClientMsgID string
}

// ChatRepository 定义了聊天存储的事务性操作契约。
//
// 所有读写操作只允许在 Begin 与 Close 之间调用，且在同一事务内按
// 调用顺序执行，作为一个整体提交或回滚。InsertMessage 不校验
// thread_id 是否存在——需要该保证的调用方应在同一事务内先行
// GetThread（这是一个刻意保留的非要求）。
type ChatRepository interface {
	// Begin 从连接池获取连接并开启事务。每个实例只能调用一次。
	Begin(ctx context.Context) error
	// Close 结束作用域：err 为 nil 时提交，否则回滚；两种情况都会
	// 归还连接。必须在每条执行路径上恰好调用一次。
	Close(err error) error

	// InsertThread 插入一条新线程，状态为 active，时间戳由服务端生成。
	// thread_id 已存在时返回包装了 ErrThreadConflict 的错误。
	InsertThread(ctx context.Context, threadID, userID, title string) error
	// GetThread 按 ID 点查。未命中返回 (nil, nil)，不视为错误。
	GetThread(ctx context.Context, threadID string) (*ThreadRecord, error)
	// InsertMessage 插入一条新消息，ID 与时间戳由服务端生成，返回
	// 新消息的 ID。当 ClientMsgID 非空且已有相同令牌的消息时，本调用
	// 成功返回空 ID 且不写入任何行（去重 no-op）；其他约束冲突原样
	// 向上传播。
	InsertMessage(ctx context.Context, p InsertMessageParams) (string, error)
	// ListMessages 返回线程内最多 limit 条消息，最新的在前。
	// 没有消息时返回空切片而不是 nil。
	ListMessages(ctx context.Context, threadID string, limit int) ([]MessageRecord, error)
}

// nowUTC 生成消息与线程的服务端时间戳。
// 使用客户端时钟而不是数据库 now()：PostgreSQL 的 now() 在整个事务内
// 不变，同一事务里先后插入的两条消息会拿到相同的时间戳，破坏排序。
func nowUTC() time.Time {
	return time.Now().UTC()
}

// Factory 每次调用都构造一个全新的、尚未开启事务的 ChatRepository。
// 一次调用对应一个预期中的事务，绝不返回共享实例。
type Factory func() ChatRepository

// Backend 标识聊天存储的后端实现，进程启动时从配置解析一次。
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// ParseBackend 将配置字符串解析为 Backend。
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendPostgres, BackendSQLite:
		return Backend(s), nil
	default:
		return "", errors.New("unknown database backend: " + s)
	}
}

// NewChatRepositoryFactory 根据后端选择返回对应的仓储工厂。
func NewChatRepositoryFactory(backend Backend, db *gorm.DB) Factory {
	if backend == BackendSQLite {
		return func() ChatRepository { return NewSQLiteChatRepository(db) }
	}
	return func() ChatRepository { return NewPostgresChatRepository(db) }
}
