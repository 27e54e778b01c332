package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"threadchat-go/internal/repository"
)

// 支持的导出格式。
const (
	ExportFormatJSON     = "json"
	ExportFormatCSV      = "csv"
	ExportFormatMarkdown = "markdown"
)

const exportMessageLimit = 10000

// ExportResult 是一次线程导出的产物。
type ExportResult struct {
	Data        []byte
	ContentType string
	Filename    string
}

// ExportService 将整个线程导出为可下载的文件。
type ExportService interface {
	ExportThread(ctx context.Context, threadID, format string) (*ExportResult, error)
}

type exportService struct {
	chatService ChatService
}

// NewExportService 创建一个新的 ExportService 实例。
func NewExportService(chatService ChatService) ExportService {
	return &exportService{chatService: chatService}
}

// ExportThread 导出线程的全部消息。消息按时间正序排列。
func (s *exportService) ExportThread(ctx context.Context, threadID, format string) (*ExportResult, error) {
	thread, err := s.chatService.GetThreadInfo(ctx, threadID)
	if err != nil {
		return nil, err
	}
	messages, err := s.chatService.GetThreadMessages(ctx, threadID, exportMessageLimit)
	if err != nil {
		return nil, err
	}
	// GetThreadMessages 返回最新在前，导出用时间正序更自然
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	switch format {
	case ExportFormatJSON, "":
		return s.exportJSON(thread, messages)
	case ExportFormatCSV:
		return s.exportCSV(thread, messages)
	case ExportFormatMarkdown, "md":
		return s.exportMarkdown(thread, messages)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

func (s *exportService) exportJSON(thread *repository.ThreadRecord, messages []repository.MessageRecord) (*ExportResult, error) {
	payload := map[string]any{
		"thread":     thread,
		"messages":   messages,
		"exportedAt": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	return &ExportResult{
		Data:        data,
		ContentType: "application/json",
		Filename:    exportFilename(thread.ThreadID, "json"),
	}, nil
}

func (s *exportService) exportCSV(thread *repository.ThreadRecord, messages []repository.MessageRecord) (*ExportResult, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"message_id", "role", "user_id", "content", "created_at"})
	for _, m := range messages {
		_ = w.Write([]string{
			m.MessageID,
			m.Role,
			m.UserID,
			m.Content,
			m.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return &ExportResult{
		Data:        buf.Bytes(),
		ContentType: "text/csv",
		Filename:    exportFilename(thread.ThreadID, "csv"),
	}, nil
}

func (s *exportService) exportMarkdown(thread *repository.ThreadRecord, messages []repository.MessageRecord) (*ExportResult, error) {
	var b strings.Builder
	title := "对话导出"
	if thread.Title != nil && *thread.Title != "" {
		title = *thread.Title
	}
	b.WriteString("# " + title + "\n\n")
	b.WriteString(fmt.Sprintf("- 线程 ID: `%s`\n- 创建时间: %s\n\n", thread.ThreadID, thread.CreatedAt.Format(time.RFC3339)))
	for _, m := range messages {
		b.WriteString(fmt.Sprintf("## %s (%s)\n\n", roleLabel(m.Role), m.CreatedAt.Format("2006-01-02 15:04:05")))
		b.WriteString(m.Content + "\n\n")
	}
	return &ExportResult{
		Data:        []byte(b.String()),
		ContentType: "text/markdown",
		Filename:    exportFilename(thread.ThreadID, "md"),
	}, nil
}

func roleLabel(role string) string {
	switch role {
	case "user":
		return "用户"
	case "assistant":
		return "助手"
	default:
		return role
	}
}

func exportFilename(threadID, ext string) string {
	return fmt.Sprintf("thread-%s.%s", threadID, ext)
}
