package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"threadchat-go/internal/model"
	"threadchat-go/pkg/log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// dedupIndexName 是消息去重部分唯一索引的名称，必须与迁移保持一致。
// 只有归因于该索引的唯一冲突才会被当作去重 no-op 吞掉。
const dedupIndexName = "idx_chat_messages_client_msg_id"

const pgUniqueViolation = "23505"

type txState int

const (
	txIdle txState = iota
	txActive
	txClosed
)

// postgresChatRepository 是 ChatRepository 的 PostgreSQL 实现。
// 使用原生 uuid 列、JSONB 元数据，以及服务端部分唯一索引做去重。
type postgresChatRepository struct {
	db    *gorm.DB
	tx    *gorm.DB
	state txState
}

// NewPostgresChatRepository 创建一个尚未开启事务的 PostgreSQL 仓储实例。
func NewPostgresChatRepository(db *gorm.DB) ChatRepository {
	return &postgresChatRepository{db: db}
}

// Begin 获取连接并开启事务。
func (r *postgresChatRepository) Begin(ctx context.Context) error {
	if r.state != txIdle {
		return ErrRepositoryClosed
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
func (r *postgresChatRepository) Close(cause error) error {
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

func (r *postgresChatRepository) requireTx() error {
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
func (r *postgresChatRepository) InsertThread(ctx context.Context, threadID, userID, title string) error {
	if err := r.requireTx(); err != nil {
		return err
	}
	now := nowUTC()
	thread := model.ChatThread{
		ThreadID:  threadID,
		UserID:    userID,
		Title:     &title,
		Status:    model.ThreadStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.tx.WithContext(ctx).Create(&thread).Error; err != nil {
		// chat_threads 上只有主键一个唯一约束
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("thread %s: %w", threadID, ErrThreadConflict)
		}
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

// GetThread 按 ID 点查线程。
func (r *postgresChatRepository) GetThread(ctx context.Context, threadID string) (*ThreadRecord, error) {
	if err := r.requireTx(); err != nil {
		return nil, err
	}
	var thread model.ChatThread
	err := r.tx.WithContext(ctx).Where("thread_id = ?", threadID).First(&thread).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &ThreadRecord{
		ThreadID:  thread.ThreadID,
		UserID:    thread.UserID,
		Title:     thread.Title,
		Status:    thread.Status,
		Metadata:  decodeJSONColumn(thread.Metadata),
		CreatedAt: thread.CreatedAt,
		UpdatedAt: thread.UpdatedAt,
	}, nil
}

// InsertMessage 插入一条新消息，带去重处理。
//
// 唯一冲突会使 PostgreSQL 中止当前事务内的后续语句，所以插入包在
// savepoint 里：去重命中时回退到 savepoint，同一事务里先前以及
// 之后的语句不受影响。
func (r *postgresChatRepository) InsertMessage(ctx context.Context, p InsertMessageParams) (string, error) {
	if err := r.requireTx(); err != nil {
		return "", err
	}

	msg := model.ChatMessage{
		MessageID: uuid.NewString(),
		ThreadID:  p.ThreadID,
		UserID:    p.UserID,
		Role:      p.Role,
		Content:   p.Content,
		Type:      "text",
		Metadata:  encodeJSONColumn(p.Metadata),
		CreatedAt: nowUTC(),
	}
	if p.ClientMsgID != "" {
		clientMsgID := p.ClientMsgID
		msg.ClientMsgID = &clientMsgID
	}

	const savepoint = "sp_insert_message"
	tx := r.tx.WithContext(ctx)
	if err := tx.SavePoint(savepoint).Error; err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Create(&msg).Error; err != nil {
		if p.ClientMsgID != "" && isDedupViolation(err) {
			if rbErr := tx.RollbackTo(savepoint).Error; rbErr != nil {
				return "", fmt.Errorf("rollback to savepoint: %w", rbErr)
			}
			log.Infof("[ChatRepository] client_msg_id %s 已存在，跳过插入", p.ClientMsgID)
			return "", nil
		}
		return "", fmt.Errorf("insert message: %w", err)
	}
	return msg.MessageID, nil
}

// ListMessages 返回线程内最多 limit 条消息，最新的在前。
func (r *postgresChatRepository) ListMessages(ctx context.Context, threadID string, limit int) ([]MessageRecord, error) {
	if err := r.requireTx(); err != nil {
		return nil, err
	}
	var msgs []model.ChatMessage
	err := r.tx.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "created_at"}, Desc: true},
			{Column: clause.Column{Name: "message_id"}, Desc: true},
		}}).
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	records := make([]MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, MessageRecord{
			MessageID: m.MessageID,
			ThreadID:  m.ThreadID,
			UserID:    m.UserID,
			Role:      m.Role,
			Content:   m.Content,
			Type:      m.Type,
			Metadata:  decodeJSONColumn(m.Metadata),
			CreatedAt: m.CreatedAt,
		})
	}
	return records, nil
}

// isDedupViolation 判断错误是否归因于去重索引的唯一冲突。
// 其他唯一冲突（如主键碰撞）不在此列，必须向上传播。
func isDedupViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == dedupIndexName
	}
	return false
}

func encodeJSONColumn(meta map[string]any) datatypes.JSON {
	if len(meta) == 0 {
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func decodeJSONColumn(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	return meta
}
