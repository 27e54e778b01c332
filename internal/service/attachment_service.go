package service

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"threadchat-go/internal/config"
	"threadchat-go/internal/model"
	"threadchat-go/internal/repository"
	"threadchat-go/pkg/storage"

	"github.com/google/uuid"
)

const presignedURLExpiry = 15 * time.Minute

// AttachmentService 管理聊天附件：内容存对象存储，元数据入库。
type AttachmentService interface {
	Upload(ctx context.Context, threadID, fileName, contentType string, size int64, reader io.Reader) (*model.ChatAttachment, error)
	ListByThread(ctx context.Context, threadID string) ([]model.ChatAttachment, error)
	GetDownloadURL(ctx context.Context, attachmentID string) (string, error)
}

type attachmentService struct {
	attachmentRepo repository.AttachmentRepository
	chatService    ChatService
	bucketName     string
}

// NewAttachmentService 创建一个新的 AttachmentService 实例。
func NewAttachmentService(attachmentRepo repository.AttachmentRepository, chatService ChatService) AttachmentService {
	return &attachmentService{
		attachmentRepo: attachmentRepo,
		chatService:    chatService,
		bucketName:     config.Conf.MinIO.BucketName,
	}
}

// Upload 上传附件内容到对象存储，并写入一条元数据记录。
func (s *attachmentService) Upload(ctx context.Context, threadID, fileName, contentType string, size int64, reader io.Reader) (*model.ChatAttachment, error) {
	// 线程必须存在，附件才有归属
	if _, err := s.chatService.GetThreadInfo(ctx, threadID); err != nil {
		return nil, err
	}

	attachmentID := uuid.NewString()
	objectName := fmt.Sprintf("threads/%s/%s%s", threadID, attachmentID, path.Ext(fileName))
	if err := storage.PutObject(ctx, s.bucketName, objectName, reader, size, contentType); err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}

	fileType := contentType
	attachment := &model.ChatAttachment{
		AttachmentID: attachmentID,
		ThreadID:     threadID,
		ObjectName:   objectName,
		FileName:     fileName,
		FileType:     &fileType,
		Size:         size,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.attachmentRepo.Create(attachment); err != nil {
		return nil, fmt.Errorf("save attachment record: %w", err)
	}
	return attachment, nil
}

// ListByThread 列出线程下的全部附件。
func (s *attachmentService) ListByThread(ctx context.Context, threadID string) ([]model.ChatAttachment, error) {
	if _, err := s.chatService.GetThreadInfo(ctx, threadID); err != nil {
		return nil, err
	}
	return s.attachmentRepo.FindByThreadID(threadID)
}

// GetDownloadURL 生成附件的临时下载链接。
func (s *attachmentService) GetDownloadURL(ctx context.Context, attachmentID string) (string, error) {
	attachment, err := s.attachmentRepo.FindByID(attachmentID)
	if err != nil {
		return "", err
	}
	return storage.GetPresignedURL(s.bucketName, attachment.ObjectName, presignedURLExpiry)
}
