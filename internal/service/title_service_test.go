package service

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestGenerateTitleFallback(t *testing.T) {
	svc := NewTitleService(nil)

	// 短消息原样作为标题
	title := svc.GenerateTitle(context.Background(), "如何学习 Go")
	assert.Equal(t, "如何学习 Go", title)

	// 只取第一行
	title = svc.GenerateTitle(context.Background(), "第一行\n第二行内容很长")
	assert.Equal(t, "第一行", title)

	// 超长消息按 rune 截断
	long := strings.Repeat("长", 100)
	title = svc.GenerateTitle(context.Background(), long)
	assert.LessOrEqual(t, utf8.RuneCountInString(title), titleMaxRunes+1)
	assert.True(t, strings.HasSuffix(title, "…"))

	// 空消息使用默认标题
	title = svc.GenerateTitle(context.Background(), "   ")
	assert.Equal(t, "新对话", title)
}
