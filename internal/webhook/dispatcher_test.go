package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"threadchat-go/internal/events"
	"threadchat-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWebhookRepo 返回固定的订阅列表。
type fakeWebhookRepo struct {
	webhooks []model.Webhook
}

func (f *fakeWebhookRepo) Create(w *model.Webhook) error             { return nil }
func (f *fakeWebhookRepo) FindByID(id string) (*model.Webhook, error) { return nil, nil }
func (f *fakeWebhookRepo) FindAll() ([]model.Webhook, error)          { return f.webhooks, nil }
func (f *fakeWebhookRepo) FindActive() ([]model.Webhook, error)       { return f.webhooks, nil }
func (f *fakeWebhookRepo) Update(w *model.Webhook) error              { return nil }
func (f *fakeWebhookRepo) Delete(id string) error                     { return nil }

func testEvent() events.ChatEvent {
	return events.ChatEvent{
		Type:      model.EventMessageCreated,
		ThreadID:  "t1",
		MessageID: "m1",
		UserID:    "u1",
		Role:      "user",
		Content:   "你好",
		Timestamp: time.Now().UTC(),
	}
}

func TestDispatchSignsPayload(t *testing.T) {
	const secret = "test-secret"
	var gotSignature string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := &fakeWebhookRepo{webhooks: []model.Webhook{{
		WebhookID: "w1",
		Name:      "test",
		URL:       srv.URL,
		Events:    []byte(`["message_created"]`),
		Active:    true,
		Secret:    secret,
	}}}

	d := NewDispatcher(repo, false)
	require.NoError(t, d.Process(context.Background(), testEvent()))

	// 签名可由接收方用同一密钥复算验证
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, expected, gotSignature)

	// 载荷里带的是真实消息 ID
	assert.Contains(t, string(gotBody), `"message_id":"m1"`)
}

func TestDispatchSkipsUnsubscribedEvents(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := &fakeWebhookRepo{webhooks: []model.Webhook{{
		WebhookID: "w1",
		URL:       srv.URL,
		Events:    []byte(`["thread_created"]`), // 不订阅 message_created
		Active:    true,
		Secret:    "s",
	}}}

	d := NewDispatcher(repo, false)
	require.NoError(t, d.Process(context.Background(), testEvent()))
	assert.False(t, called)
}

func TestDispatchReportsDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo := &fakeWebhookRepo{webhooks: []model.Webhook{{
		WebhookID: "w1",
		URL:       srv.URL,
		Events:    []byte(`["message_created"]`),
		Active:    true,
		Secret:    "s",
	}}}

	d := NewDispatcher(repo, false)
	assert.Error(t, d.Process(context.Background(), testEvent()))
}
