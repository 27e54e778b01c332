package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"threadchat-go/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openPostgresDB 连接 TEST_POSTGRES_DSN 指定的测试库，未配置时跳过。
func openPostgresDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN 未设置，跳过 PostgreSQL 集成测试")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, model.Migrate(db, true))
	return db
}

func beginPostgresRepo(t *testing.T, db *gorm.DB) ChatRepository {
	t.Helper()
	repo := NewPostgresChatRepository(db)
	require.NoError(t, repo.Begin(context.Background()))
	return repo
}

func TestPostgresThreadLifecycle(t *testing.T) {
	db := openPostgresDB(t)
	ctx := context.Background()
	threadID := uuid.NewString()

	repo := beginPostgresRepo(t, db)
	require.NoError(t, repo.InsertThread(ctx, threadID, uuid.NewString(), "集成测试"))
	thread, err := repo.GetThread(ctx, threadID)
	require.NoError(t, err)
	require.NotNil(t, thread)
	assert.Equal(t, "active", thread.Status)
	// 回滚后不可见
	require.NoError(t, repo.Close(assert.AnError))

	repo2 := beginPostgresRepo(t, db)
	defer repo2.Close(nil)
	thread, err = repo2.GetThread(ctx, threadID)
	require.NoError(t, err)
	assert.Nil(t, thread)
}

func TestPostgresInsertThreadConflict(t *testing.T) {
	db := openPostgresDB(t)
	ctx := context.Background()
	threadID := uuid.NewString()

	repo := beginPostgresRepo(t, db)
	require.NoError(t, repo.InsertThread(ctx, threadID, uuid.NewString(), "标题"))
	require.NoError(t, repo.Close(nil))

	repo2 := beginPostgresRepo(t, db)
	err := repo2.InsertThread(ctx, threadID, uuid.NewString(), "重复")
	assert.ErrorIs(t, err, ErrThreadConflict)
	require.NoError(t, repo2.Close(err))
}

// 去重 no-op 不得波及同一事务内的其他语句，这依赖 savepoint。
func TestPostgresDedupKeepsTransactionUsable(t *testing.T) {
	db := openPostgresDB(t)
	ctx := context.Background()
	threadID := uuid.NewString()
	userID := uuid.NewString()
	token := fmt.Sprintf("tok-%d", time.Now().UnixNano())

	repo := beginPostgresRepo(t, db)
	require.NoError(t, repo.InsertThread(ctx, threadID, userID, "标题"))
	firstID := insertMsg(t, repo, InsertMessageParams{
		ThreadID: threadID, UserID: userID, Role: "user", Content: "原始内容", ClientMsgID: token,
	})
	assert.NotEmpty(t, firstID)
	// 同一事务内重试同一令牌：成功返回空 ID
	retryID, err := repo.InsertMessage(ctx, InsertMessageParams{
		ThreadID: threadID, UserID: userID, Role: "user", Content: "重试内容", ClientMsgID: token,
	})
	require.NoError(t, err)
	assert.Empty(t, retryID)
	// 事务没有被唯一冲突中止，后续写入和提交都正常
	insertMsg(t, repo, InsertMessageParams{
		ThreadID: threadID, UserID: userID, Role: "assistant", Content: "回复",
	})
	require.NoError(t, repo.Close(nil))

	repo2 := beginPostgresRepo(t, db)
	defer repo2.Close(nil)
	messages, err := repo2.ListMessages(ctx, threadID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "回复", messages[0].Content)
	assert.Equal(t, "原始内容", messages[1].Content)
}

// 同一事务内两条消息的时间戳必须可区分先后。
func TestPostgresTimestampOrderingWithinTransaction(t *testing.T) {
	db := openPostgresDB(t)
	ctx := context.Background()
	threadID := uuid.NewString()
	userID := uuid.NewString()

	repo := beginPostgresRepo(t, db)
	require.NoError(t, repo.InsertThread(ctx, threadID, userID, "标题"))
	insertMsg(t, repo, InsertMessageParams{
		ThreadID: threadID, UserID: userID, Role: "user", Content: "先",
	})
	insertMsg(t, repo, InsertMessageParams{
		ThreadID: threadID, UserID: userID, Role: "assistant", Content: "后",
	})
	require.NoError(t, repo.Close(nil))

	repo2 := beginPostgresRepo(t, db)
	defer repo2.Close(nil)
	messages, err := repo2.ListMessages(ctx, threadID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "后", messages[0].Content)
	assert.Equal(t, "先", messages[1].Content)
}

// 两个独立事务并发提交同一去重令牌：后到的插入会阻塞在行锁上，
// 先到的提交后它收到唯一冲突并回退到 savepoint。两边都成功，只落一行。
func TestPostgresConcurrentDedup(t *testing.T) {
	db := openPostgresDB(t)
	ctx := context.Background()
	threadID := uuid.NewString()
	userID := uuid.NewString()
	token := fmt.Sprintf("tok-race-%d", time.Now().UnixNano())

	repo := beginPostgresRepo(t, db)
	require.NoError(t, repo.InsertThread(ctx, threadID, userID, "标题"))
	require.NoError(t, repo.Close(nil))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := NewPostgresChatRepository(db)
			if err := r.Begin(ctx); err != nil {
				errs[i] = err
				return
			}
			_, err := r.InsertMessage(ctx, InsertMessageParams{
				ThreadID: threadID, UserID: userID, Role: "user",
				Content: fmt.Sprintf("内容-%d", i), ClientMsgID: token,
			})
			if cerr := r.Close(err); err == nil {
				err = cerr
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	repo2 := beginPostgresRepo(t, db)
	defer repo2.Close(nil)
	messages, err := repo2.ListMessages(ctx, threadID, 10)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

// 删除线程必须把其下消息一并级联删除，不得留下孤儿行。
func TestPostgresThreadDeleteCascadesMessages(t *testing.T) {
	db := openPostgresDB(t)
	ctx := context.Background()
	threadID := uuid.NewString()
	userID := uuid.NewString()

	repo := beginPostgresRepo(t, db)
	require.NoError(t, repo.InsertThread(ctx, threadID, userID, "标题"))
	insertMsg(t, repo, InsertMessageParams{
		ThreadID: threadID, UserID: userID, Role: "user", Content: "内容",
	})
	require.NoError(t, repo.Close(nil))

	require.NoError(t, db.Exec(`DELETE FROM chat_threads WHERE thread_id = ?`, threadID).Error)

	repo2 := beginPostgresRepo(t, db)
	defer repo2.Close(nil)
	thread, err := repo2.GetThread(ctx, threadID)
	require.NoError(t, err)
	assert.Nil(t, thread)
	messages, err := repo2.ListMessages(ctx, threadID, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

// 同一操作序列在两个后端上必须得到一致的线程字段和消息内容/顺序/条数。
func TestBackendEquivalence(t *testing.T) {
	pgDB := openPostgresDB(t)
	liteDB := openTestDB(t)
	ctx := context.Background()
	threadID := uuid.NewString()
	userID := uuid.NewString()
	token := fmt.Sprintf("tok-eq-%d", time.Now().UnixNano())

	run := func(factory Factory) (*ThreadRecord, []MessageRecord) {
		repo := factory()
		require.NoError(t, repo.Begin(ctx))
		require.NoError(t, repo.InsertThread(ctx, threadID, userID, "等价性"))
		for _, c := range []string{"第一条", "第二条"} {
			insertMsg(t, repo, InsertMessageParams{
				ThreadID: threadID, UserID: userID, Role: "user", Content: c,
			})
			// 时间戳按微秒存储，保证先后可区分
			time.Sleep(time.Millisecond)
		}
		insertMsg(t, repo, InsertMessageParams{
			ThreadID: threadID, UserID: userID, Role: "assistant", Content: "回复", ClientMsgID: token,
		})
		// 同一令牌重试在两个后端上都是 no-op
		retryID, err := repo.InsertMessage(ctx, InsertMessageParams{
			ThreadID: threadID, UserID: userID, Role: "assistant", Content: "重试", ClientMsgID: token,
		})
		require.NoError(t, err)
		assert.Empty(t, retryID)
		require.NoError(t, repo.Close(nil))

		reader := factory()
		require.NoError(t, reader.Begin(ctx))
		defer reader.Close(nil)
		thread, err := reader.GetThread(ctx, threadID)
		require.NoError(t, err)
		require.NotNil(t, thread)
		messages, err := reader.ListMessages(ctx, threadID, 10)
		require.NoError(t, err)
		return thread, messages
	}

	pgThread, pgMessages := run(NewChatRepositoryFactory(BackendPostgres, pgDB))
	liteThread, liteMessages := run(NewChatRepositoryFactory(BackendSQLite, liteDB))

	assert.Equal(t, pgThread.UserID, liteThread.UserID)
	require.NotNil(t, pgThread.Title)
	require.NotNil(t, liteThread.Title)
	assert.Equal(t, *pgThread.Title, *liteThread.Title)
	assert.Equal(t, pgThread.Status, liteThread.Status)

	require.Equal(t, len(pgMessages), len(liteMessages))
	for i := range pgMessages {
		assert.Equal(t, pgMessages[i].Role, liteMessages[i].Role)
		assert.Equal(t, pgMessages[i].Content, liteMessages[i].Content)
	}
}
