// Package realtime 实现 /ws/chat/{id}/ 推送通道。
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	chatservice "github.com/zhouzirui/z-tavern/chatsync/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/transport"
)

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

// Options 连接参数。
type Options struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 54 * time.Second
	}
	if o.ReadTimeout <= o.PingInterval {
		o.ReadTimeout = o.PingInterval + 6*time.Second
	}
	return o
}

// WebSocketHandler 会话推送处理器
type WebSocketHandler struct {
	chatSvc    *chatservice.Service
	manager    *ConnectionManager
	upgrader   websocket.Upgrader
	opts       Options
	senderName string
	log        zerolog.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(chatSvc *chatservice.Service, opts Options, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		chatSvc: chatSvc,
		manager: NewConnectionManager(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		opts:       opts.withDefaults(),
		senderName: "访客",
		log:        log.With().Str("component", "realtime").Logger(),
	}
}

// Manager 返回连接管理器
func (h *WebSocketHandler) Manager() *ConnectionManager {
	return h.manager
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/chat/{conversationID}/", h.handleWebSocket)
}

type client struct {
	conversationID string
	conn           *websocket.Conn
	send           chan []byte
	done           chan struct{}
	closeOnce      sync.Once
}

func (c *client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if _, err := h.chatSvc.GetConversation(r.Context(), conversationID); err != nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	log := h.log.With().Str("conversation_id", conversationID).Logger()
	log.Debug().Msg("new connection")

	c := &client{
		conversationID: conversationID,
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		done:           make(chan struct{}),
	}
	unsubscribe := h.chatSvc.Subscribe(conversationID, func(m chat.Message) {
		wire := chat.ToWire(m)
		payload, err := json.Marshal(transport.ServerFrame{Type: transport.FrameChatMessage, Message: &wire})
		if err != nil {
			log.Error().Err(err).Msg("encode frame failed")
			return
		}
		if !c.enqueue(payload) {
			log.Warn().Str("message_id", m.ID).Msg("client lagging, frame dropped")
		}
	})
	defer unsubscribe()

	// 先订阅再登记
	h.manager.add(c)
	defer h.manager.remove(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ctx, c)
	}()

	h.readLoop(ctx, c, log)
	c.close()
	cancel()
	<-writerDone
	log.Debug().Msg("connection closed")
}

func (h *WebSocketHandler) readLoop(ctx context.Context, c *client, log zerolog.Logger) {
	conn := c.conn
	conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))

		var frame transport.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Msg("malformed client frame")
			h.sendError(c, "malformed frame")
			continue
		}
		if frame.Type != transport.FrameChatMessage {
			continue
		}
		if strings.TrimSpace(frame.Content) == "" {
			h.sendError(c, "content is required")
			continue
		}

		if _, err := h.chatSvc.PostMessage(ctx, chat.Message{
			ConversationID: c.conversationID,
			SenderType:     chat.SenderClient,
			SenderName:     h.senderName,
			Content:        frame.Content,
			MessageType:    frame.MessageType,
			IsRead:         true,
		}); err != nil {
			log.Warn().Err(err).Msg("store message failed")
			h.sendError(c, err.Error())
		}
	}
}

// writePump 是连接上唯一的写者，负责推送帧与定期 ping。
func (h *WebSocketHandler) writePump(ctx context.Context, c *client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second))
			c.conn.Close()
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (h *WebSocketHandler) sendError(c *client, message string) {
	payload, _ := json.Marshal(map[string]string{"type": "error", "error": message})
	c.enqueue(payload)
}
