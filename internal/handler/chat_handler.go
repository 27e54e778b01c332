package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"threadchat-go/internal/service"
	"threadchat-go/pkg/database"
	"threadchat-go/pkg/llm"
	"threadchat-go/pkg/log"
	"threadchat-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// errStreamStopped 表示客户端主动停止了本次流式回复。
var errStreamStopped = errors.New("stream stopped by client")

const stopTokenTTL = time.Hour

// ChatHandler 负责处理 WebSocket 聊天连接。
type ChatHandler struct {
	chatService service.ChatService
	userService service.UserService
	jwtManager  *token.JWTManager

	// Redis 不可用时的本地停止令牌兜底（单实例部署）
	localStopToken string
	stopTokenLock  sync.Mutex
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, userService service.UserService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		userService: userService,
		jwtManager:  jwtManager,
	}
}

// GetWebsocketStopToken 返回一个可用于停止流式回复的令牌。
// 令牌存放在 Redis 中，多实例部署时任意实例都能校验。
func (h *ChatHandler) GetWebsocketStopToken(c *gin.Context) {
	stopToken := "WSS_STOP_CMD_" + token.GenerateRandomString(16)
	if database.RDB != nil {
		if err := database.RDB.Set(c.Request.Context(), "ws:stop_token:"+stopToken, "1", stopTokenTTL).Err(); err != nil {
			log.Errorf("[ChatHandler] 保存停止令牌失败: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务器内部错误"})
			return
		}
	} else {
		h.stopTokenLock.Lock()
		h.localStopToken = stopToken
		h.stopTokenLock.Unlock()
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"cmdToken": stopToken}})
}

func (h *ChatHandler) validStopToken(ctx context.Context, stopToken string) bool {
	if stopToken == "" {
		return false
	}
	if database.RDB != nil {
		n, err := database.RDB.Exists(ctx, "ws:stop_token:"+stopToken).Result()
		return err == nil && n > 0
	}
	h.stopTokenLock.Lock()
	defer h.stopTokenLock.Unlock()
	return stopToken == h.localStopToken
}

// wsMessage 是客户端通过 WebSocket 发送的消息结构。
type wsMessage struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadId"`
	Content  string `json:"content"`
	CmdToken string `json:"_internal_cmd_token"`
}

// Handle 处理一个传入的 WebSocket 连接。
// URL 路径中的 token 用于认证，连接建立后客户端发送
// {"threadId":"...","content":"..."}，回复以分块 JSON 流式返回。
func (h *ChatHandler) Handle(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}
	user, err := h.userService.GetProfile(claims.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法获取用户信息", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，用户: %s", claims.Username)

	// 连接级停止标志，stop 指令置位后中断当前流
	var stopped sync.Map

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			writeWSError(conn, "无效的消息格式")
			continue
		}

		if msg.Type == "stop" {
			if h.validStopToken(c.Request.Context(), msg.CmdToken) {
				stopped.Store("stop", true)
				writeWSJSON(conn, gin.H{"type": "stop", "message": "响应已停止", "timestamp": time.Now().UnixMilli()})
			}
			continue
		}

		if msg.ThreadID == "" || msg.Content == "" {
			writeWSError(conn, "threadId 和 content 不能为空")
			continue
		}

		stopped.Delete("stop")
		interceptor := &wsChunkWriter{
			conn: conn,
			shouldStop: func() bool {
				_, ok := stopped.Load("stop")
				return ok
			},
		}

		result, err := h.chatService.StreamMessageAndReply(c.Request.Context(), msg.ThreadID, user.UserID, msg.Content, interceptor)
		if err != nil {
			if errors.Is(err, errStreamStopped) {
				continue
			}
			if errors.Is(err, service.ErrThreadNotFound) {
				writeWSError(conn, "线程不存在")
				continue
			}
			log.Errorf("[ChatHandler] 流式回复失败: %v", err)
			writeWSError(conn, "生成回复失败")
			continue
		}
		writeWSJSON(conn, gin.H{"type": "done", "threadId": result.ThreadID, "timestamp": time.Now().UnixMilli()})
	}
}

// wsChunkWriter 拦截 LLM 的流式输出，把每个分块包装成 JSON 下发，
// 并在客户端请求停止时中断流。
type wsChunkWriter struct {
	conn       *websocket.Conn
	shouldStop func() bool
}

// WriteMessage 实现 llm.MessageWriter。
func (w *wsChunkWriter) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop() {
		return errStreamStopped
	}
	chunk, err := json.Marshal(gin.H{"type": "chunk", "content": string(data)})
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(messageType, chunk)
}

var _ llm.MessageWriter = (*wsChunkWriter)(nil)

func writeWSJSON(conn *websocket.Conn, payload gin.H) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Warnf("写入 WebSocket 消息失败: %v", err)
	}
}

func writeWSError(conn *websocket.Conn, message string) {
	writeWSJSON(conn, gin.H{"type": "error", "message": message})
}
