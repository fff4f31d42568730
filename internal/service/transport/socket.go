// Package transport 为当前选中的会话维护一条 WebSocket 连接。
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/endpoint"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

// ErrNotConnected 表示发送时连接未处于打开状态。
var ErrNotConnected = errors.New("socket is not connected")

// Options 连接参数。
type Options struct {
	HandshakeTimeout time.Duration // 握手超时时间
	WriteTimeout     time.Duration // 写入超时时间
	ReadTimeout      time.Duration // 读取超时时间，收到 pong 时顺延
	PingInterval     time.Duration // Ping间隔
}

// DefaultOptions 默认连接参数。
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      75 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.ReadTimeout <= o.PingInterval {
		o.ReadTimeout = o.PingInterval * 5 / 2
	}
	return o
}

// Hooks 连接生命周期回调，均在连接自己的 goroutine 中串行调用。
type Hooks struct {
	OnOpen    func()
	OnMessage func(chat.Message)
	OnStatus  func(connected bool)
	OnError   func(err error)
}

// Conn 是组件依赖的连接抽象。
type Conn interface {
	Send(content, messageType string) error
	Connected() bool
	Close() error
}

// State 连接状态。
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

// Socket 单会话 WebSocket 连接。不自动重连：重新选中会话会创建新的 Socket。
type Socket struct {
	url    string
	header http.Header
	opts   Options
	hooks  Hooks
	log    zerolog.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	closed  bool
	cancel  context.CancelFunc
	writeMu sync.Mutex
	done    chan struct{}
}

// Open 在后台建立连接并立即返回；连接成功前 Connected 为 false。
func Open(ctx context.Context, url string, header http.Header, opts Options, hooks Hooks, log zerolog.Logger) *Socket {
	ctx, cancel := context.WithCancel(ctx)
	s := &Socket{
		url:    url,
		header: header,
		opts:   opts.withDefaults(),
		hooks:  hooks,
		log:    log.With().Str("component", "transport").Str("url", url).Logger(),
		state:  StateConnecting,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Connected 报告连接是否处于打开状态。
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen
}

// State 返回当前状态。
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done 在后台 goroutine 退出后关闭。
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Send 发送一条聊天消息帧；连接未打开时记录日志并返回 ErrNotConnected，由调用方决定回退。
func (s *Socket) Send(content, messageType string) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()

	if !open || conn == nil {
		s.log.Warn().Msg("send skipped: socket not open")
		return ErrNotConnected
	}

	if messageType == "" {
		messageType = chat.MessageTypeText
	}
	frame := ClientFrame{Type: FrameChatMessage, Content: content, MessageType: messageType}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		s.log.Error().Err(err).Msg("send failed")
		return err
	}
	return nil
}

// Close 关闭连接并停止回调。可重复调用。
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosed
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}

func (s *Socket) run(ctx context.Context) {
	defer close(s.done)

	dialer := &websocket.Dialer{
		HandshakeTimeout: s.opts.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket dial failed")
		s.markClosed()
		s.emitError(err)
		s.emitStatus(false)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		return nil
	})

	s.log.Debug().Msg("websocket connected")
	if s.active() && s.hooks.OnOpen != nil {
		s.hooks.OnOpen()
	}
	s.emitStatus(true)

	go s.pingLoop(ctx, conn)

	s.readLoop(conn)

	wasClosed := s.markClosed()
	conn.Close()
	if !wasClosed {
		s.emitStatus(false)
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.active() && !isNormalClose(err) {
				s.log.Warn().Err(err).Msg("websocket read error")
				s.emitError(err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

		msg, err := DecodeFrame(data)
		if err != nil {
			if errors.Is(err, ErrUnsupportedFrame) {
				s.log.Debug().Err(err).Msg("ignored frame")
			} else {
				s.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropped malformed frame")
			}
			continue
		}

		if s.active() && s.hooks.OnMessage != nil {
			s.hooks.OnMessage(msg)
		}
	}
}

// pingLoop 定期发送ping消息
func (s *Socket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				// 写失败后读循环会随之退出
				conn.Close()
				return
			}
		}
	}
}

// markClosed 返回调用前是否已被 Close 关闭。
func (s *Socket) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasClosed := s.closed
	s.state = StateClosed
	return wasClosed
}

func (s *Socket) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Socket) emitStatus(connected bool) {
	if s.active() && s.hooks.OnStatus != nil {
		s.hooks.OnStatus(connected)
	}
}

func (s *Socket) emitError(err error) {
	if s.active() && s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}

// isNormalClose 判断读错误是否为对端正常关闭。超时、连接重置等其余错误都视为异常。
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// Dialer 按会话打开 Socket，携带鉴权头。
type Dialer struct {
	endpoints endpoint.Endpoints
	token     string
	opts      Options
	log       zerolog.Logger
}

// NewDialer 创建 Dialer。
func NewDialer(endpoints endpoint.Endpoints, token string, opts Options, log zerolog.Logger) *Dialer {
	return &Dialer{endpoints: endpoints, token: token, opts: opts, log: log}
}

// Open 为会话打开连接。
func (d *Dialer) Open(ctx context.Context, conversationID string, hooks Hooks) Conn {
	log := d.log.With().Str("conversation_id", conversationID).Logger()
	return Open(ctx, d.endpoints.SocketURL(conversationID), endpoint.AuthHeaders(d.token), d.opts, hooks, log)
}
