package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"threadchat-go/pkg/log"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// sqliteSchema 在首次使用时建表。SQLite 的单列 UNIQUE 约束允许任意多个
// NULL，语义上等价于 PostgreSQL 的部分唯一索引，无需特殊处理。
// 外键约束默认关闭，级联删除依赖每个连接上的 foreign_keys 开关。
const sqliteSchema = `
PRAGMA foreign_keys = ON;
CREATE TABLE IF NOT EXISTS chat_threads (
    thread_id  TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    title      TEXT,
    status     TEXT NOT NULL DEFAULT 'active',
    summary    TEXT,
    metadata   TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_threads_user ON chat_threads (user_id);
CREATE TABLE IF NOT EXISTS chat_messages (
    message_id    TEXT PRIMARY KEY,
    thread_id     TEXT NOT NULL REFERENCES chat_threads (thread_id) ON DELETE CASCADE,
    user_id       TEXT NOT NULL,
    role          TEXT NOT NULL,
    content       TEXT NOT NULL,
    type          TEXT NOT NULL DEFAULT 'text',
    metadata      TEXT,
    client_msg_id TEXT UNIQUE,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_thread ON chat_messages (thread_id, created_at);
`

// sqliteSchemaDone 按数据库句柄记录建表是否完成，同一进程内可能同时
// 打开多个 SQLite 库（如测试）。
var sqliteSchemaDone sync.Map

// sqliteChatRepository 是 ChatRepository 的 SQLite 实现，供单机部署与
// 测试使用。走原生 SQL 而不是 GORM 模型，时间戳以 RFC3339Nano 文本
// 存储，保证字典序即时间序。
type sqliteChatRepository struct {
	db    *gorm.DB
	tx    *gorm.DB
	state txState
}

// NewSQLiteChatRepository 创建一个尚未开启事务的 SQLite 仓储实例。
func NewSQLiteChatRepository(db *gorm.DB) ChatRepository {
	return &sqliteChatRepository{db: db}
}

// Begin 确保表结构存在并开启事务。
func (r *sqliteChatRepository) Begin(ctx context.Context) error {
	if r.state != txIdle {
		return ErrRepositoryClosed
	}

	if _, done := sqliteSchemaDone.Load(r.db); !done {
		for _, stmt := range strings.Split(sqliteSchema, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if err := r.db.WithContext(ctx).Exec(stmt).Error; err != nil {
				r.state = txClosed
				return fmt.Errorf("create schema: %w", err)
			}
		}
		sqliteSchemaDone.Store(r.db, struct{}{})
	}

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		r.state = txClosed
		return fmt.Errorf("begin transaction: %w", tx.Error)
	}
	r.tx = tx
	r.state = txActive
	return nil
}

// Close 提交或回滚事务并归还连接。
func (r *sqliteChatRepository) Close(cause error) error {
	if r.state != txActive {
		return ErrRepositoryClosed
	}
	r.state = txClosed

	if cause != nil {
		if err := r.tx.Rollback().Error; err != nil {
			log.Errorf("[ChatRepository] 回滚事务失败: %v", err)
			return fmt.Errorf("rollback transaction: %w", err)
		}
		return nil
	}
	if err := r.tx.Commit().Error; err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *sqliteChatRepository) requireTx() error {
	switch r.state {
	case txActive:
		return nil
	case txIdle:
		return ErrNoTransaction
	default:
		return ErrRepositoryClosed
	}
}

// InsertThread 插入一条新线程。
func (r *sqliteChatRepository) InsertThread(ctx context.Context, threadID, userID, title string) error {
	if err := r.requireTx(); err != nil {
		return err
	}
	now := nowUTC().Format(time.RFC3339Nano)
	err := r.tx.WithContext(ctx).Exec(
		`INSERT INTO chat_threads (thread_id, user_id, title, status, created_at, updated_at)
		 VALUES (?, ?, ?, 'active', ?, ?)`,
		threadID, userID, title, now, now,
	).Error
	if err != nil {
		if strings.Contains(err.Error(), "chat_threads.thread_id") {
			return fmt.Errorf("thread %s: %w", threadID, ErrThreadConflict)
		}
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

type sqliteThreadRow struct {
	ThreadID  string
	UserID    string
	Title     sql.NullString
	Status    string
	Metadata  sql.NullString
	CreatedAt string
	UpdatedAt string
}

// GetThread 按 ID 点查线程。
func (r *sqliteChatRepository) GetThread(ctx context.Context, threadID string) (*ThreadRecord, error) {
	if err := r.requireTx(); err != nil {
		return nil, err
	}
	var rows []sqliteThreadRow
	err := r.tx.WithContext(ctx).Raw(
		`SELECT thread_id, user_id, title, status, metadata, created_at, updated_at
		 FROM chat_threads WHERE thread_id = ?`,
		threadID,
	).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]

	record := &ThreadRecord{
		ThreadID:  row.ThreadID,
		UserID:    row.UserID,
		Status:    row.Status,
		Metadata:  decodeJSONText(row.Metadata),
		CreatedAt: parseSQLiteTime(row.CreatedAt),
		UpdatedAt: parseSQLiteTime(row.UpdatedAt),
	}
	if row.Title.Valid {
		title := row.Title.String
		record.Title = &title
	}
	return record, nil
}

// InsertMessage 插入一条新消息，带去重处理。
//
// SQLite 的约束冲突只作用于当前语句，事务本身保持可用，所以这里
// 不需要 savepoint，直接识别冲突并返回成功即可。
func (r *sqliteChatRepository) InsertMessage(ctx context.Context, p InsertMessageParams) (string, error) {
	if err := r.requireTx(); err != nil {
		return "", err
	}

	var clientMsgID any
	if p.ClientMsgID != "" {
		clientMsgID = p.ClientMsgID
	}
	var metadata any
	if text := encodeJSONText(p.Metadata); text != "" {
		metadata = text
	}

	messageID := uuid.NewString()
	err := r.tx.WithContext(ctx).Exec(
		`INSERT INTO chat_messages (message_id, thread_id, user_id, role, content, type, metadata, client_msg_id, created_at)
		 VALUES (?, ?, ?, ?, ?, 'text', ?, ?, ?)`,
		messageID, p.ThreadID, p.UserID, p.Role, p.Content,
		metadata, clientMsgID, nowUTC().Format(time.RFC3339Nano),
	).Error
	if err != nil {
		if p.ClientMsgID != "" && strings.Contains(err.Error(), "chat_messages.client_msg_id") {
			log.Infof("[ChatRepository] client_msg_id %s 已存在，跳过插入", p.ClientMsgID)
			return "", nil
		}
		return "", fmt.Errorf("insert message: %w", err)
	}
	return messageID, nil
}

type sqliteMessageRow struct {
	MessageID string
	ThreadID  string
	UserID    string
	Role      string
	Content   string
	Type      string
	Metadata  sql.NullString
	CreatedAt string
}

// ListMessages 返回线程内最多 limit 条消息，最新的在前。
func (r *sqliteChatRepository) ListMessages(ctx context.Context, threadID string, limit int) ([]MessageRecord, error) {
	if err := r.requireTx(); err != nil {
		return nil, err
	}
	var rows []sqliteMessageRow
	err := r.tx.WithContext(ctx).Raw(
		`SELECT message_id, thread_id, user_id, role, content, type, metadata, created_at
		 FROM chat_messages WHERE thread_id = ?
		 ORDER BY created_at DESC, message_id DESC LIMIT ?`,
		threadID, limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	records := make([]MessageRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, MessageRecord{
			MessageID: row.MessageID,
			ThreadID:  row.ThreadID,
			UserID:    row.UserID,
			Role:      row.Role,
			Content:   row.Content,
			Type:      row.Type,
			Metadata:  decodeJSONText(row.Metadata),
			CreatedAt: parseSQLiteTime(row.CreatedAt),
		})
	}
	return records, nil
}

func parseSQLiteTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeJSONText(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeJSONText(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil
	}
	return meta
}
