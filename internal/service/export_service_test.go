package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupExportThread(t *testing.T) (ExportService, string) {
	t.Helper()
	store := newMemStore()
	chatSvc := newTestChatService(store, &fakeLLM{store: store})
	result, err := chatSvc.CreateThreadWithFirstMessage(context.Background(), "", "u1", "", "导出测试问题", nil)
	require.NoError(t, err)
	return NewExportService(chatSvc), result.ThreadID
}

func TestExportThreadJSON(t *testing.T) {
	svc, threadID := setupExportThread(t)

	result, err := svc.ExportThread(context.Background(), threadID, ExportFormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "application/json", result.ContentType)
	assert.Contains(t, result.Filename, threadID)

	var payload struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(result.Data, &payload))
	require.Len(t, payload.Messages, 2)
	// 导出时按时间正序：用户消息在前
	assert.Equal(t, "user", payload.Messages[0].Role)
	assert.Equal(t, "assistant", payload.Messages[1].Role)
}

func TestExportThreadCSV(t *testing.T) {
	svc, threadID := setupExportThread(t)

	result, err := svc.ExportThread(context.Background(), threadID, ExportFormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", result.ContentType)

	records, err := csv.NewReader(strings.NewReader(string(result.Data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3) // 表头 + 两条消息
	assert.Equal(t, "role", records[0][1])
	assert.Equal(t, "user", records[1][1])
	assert.Equal(t, "assistant", records[2][1])
}

func TestExportThreadMarkdown(t *testing.T) {
	svc, threadID := setupExportThread(t)

	result, err := svc.ExportThread(context.Background(), threadID, "md")
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", result.ContentType)
	content := string(result.Data)
	assert.Contains(t, content, "导出测试问题")
	assert.Contains(t, content, "## 用户")
	assert.Contains(t, content, "## 助手")
}

func TestExportThreadUnsupportedFormat(t *testing.T) {
	svc, threadID := setupExportThread(t)

	_, err := svc.ExportThread(context.Background(), threadID, "xlsx")
	assert.Error(t, err)
}

func TestExportThreadNotFound(t *testing.T) {
	store := newMemStore()
	svc := NewExportService(newTestChatService(store, &fakeLLM{store: store}))

	_, err := svc.ExportThread(context.Background(), "no-such-thread", ExportFormatJSON)
	assert.ErrorIs(t, err, ErrThreadNotFound)
}
