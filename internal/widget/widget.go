// Package widget 把会话选择、推送连接、消息合并、AI 等待与附件暂存组装成一个聊天组件。
// 每个选中的会话对应一个 session，切换或关闭时 session 整体释放。
package widget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/apiclient"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/reconcile"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/aiwait"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/attachment"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/conversation"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/transport"
)

var (
	// ErrClosed 组件已关闭。
	ErrClosed = errors.New("chat widget is closed")
	// ErrEmptyMessage 既没有文本也没有附件。
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoConversation 当前没有选中会话。
	ErrNoConversation = errors.New("no conversation selected")
)

// API 组件依赖的 REST 接口。
type API interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	CreateConversation(ctx context.Context, req apiclient.CreateConversationRequest) (chat.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	SendMessage(ctx context.Context, conversationID, content, messageType string) (chat.Message, error)
	UploadAttachment(ctx context.Context, messageID string, file chat.LocalFile) (chat.Attachment, error)
}

// Dialer 为会话打开推送连接。
type Dialer interface {
	Open(ctx context.Context, conversationID string, hooks transport.Hooks) transport.Conn
}

// Options 组件参数。
type Options struct {
	DisplayName       string
	Wait              aiwait.Options
	UploadConcurrency int
	Now               func() time.Time
}

// Snapshot 是交给界面渲染的一致状态。
type Snapshot struct {
	Phase         conversation.Phase
	Conversations []chat.Conversation
	Conversation  *chat.Conversation
	Messages      []chat.Message
	Connected     bool
	Waiting       bool
	Pending       []chat.PendingAttachment
	Draft         string
}

// Widget 聊天组件。方法可并发调用。
type Widget struct {
	api      API
	dialer   Dialer
	opts     Options
	log      zerolog.Logger
	selector *conversation.Selector
	staging  *attachment.Staging

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	current atomic.Pointer[session]
	sendMu  sync.Mutex

	subsMu sync.Mutex
	subs   map[int]func(Snapshot)
	subSeq int

	dirty         chan struct{}
	publisherDone chan struct{}
}

// New 创建组件并启动状态发布。
func New(api API, dialer Dialer, opts Options, log zerolog.Logger) *Widget {
	if opts.DisplayName == "" {
		opts.DisplayName = "Guest"
	}
	if opts.Wait == (aiwait.Options{}) {
		opts.Wait = aiwait.DefaultOptions()
	}
	if opts.UploadConcurrency < 1 {
		opts.UploadConcurrency = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Widget{
		api:           api,
		dialer:        dialer,
		opts:          opts,
		log:           log.With().Str("component", "widget").Logger(),
		ctx:           ctx,
		cancel:        cancel,
		subs:          make(map[int]func(Snapshot)),
		dirty:         make(chan struct{}, 1),
		publisherDone: make(chan struct{}),
	}
	w.selector = conversation.NewSelector(api, log, func(conversation.Phase) { w.changed() })
	w.staging = attachment.NewStaging(opts.UploadConcurrency, log)

	go w.publishLoop()
	return w
}

// Mount 加载会话列表。
func (w *Widget) Mount(ctx context.Context) error {
	if w.closed.Load() {
		return ErrClosed
	}
	_, err := w.selector.Refresh(ctx)
	w.changed()
	return err
}

// Close 释放当前会话并停止所有后台任务。
func (w *Widget) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	if old := w.current.Swap(nil); old != nil {
		w.release(old)
	}
	w.cancel()
	<-w.publisherDone
}

// Refresh 重新拉取会话列表与当前会话的历史。
func (w *Widget) Refresh(ctx context.Context) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if _, err := w.selector.Refresh(ctx); err != nil {
		return err
	}
	w.changed()
	if sess := w.current.Load(); sess != nil {
		_, err := w.loadHistory(ctx, sess)
		return err
	}
	return nil
}

// Select 切换到指定会话：释放旧会话，打开新连接并加载历史。
func (w *Widget) Select(ctx context.Context, conversationID string) error {
	if w.closed.Load() {
		return ErrClosed
	}
	conv, err := w.selector.Select(conversationID)
	if err != nil {
		return err
	}
	_, err = w.acquire(ctx, conv, false)
	return err
}

// Deselect 释放当前会话，回到会话列表。
func (w *Widget) Deselect() {
	if old := w.current.Swap(nil); old != nil {
		w.release(old)
	}
	w.selector.Deselect()
	w.changed()
}

// BeginNew 开始新会话的类型选择。
func (w *Widget) BeginNew() error {
	if w.closed.Load() {
		return ErrClosed
	}
	if old := w.current.Swap(nil); old != nil {
		w.release(old)
	}
	return w.selector.BeginNew()
}

// CancelNew 放弃类型选择。
func (w *Widget) CancelNew() {
	w.selector.CancelNew()
}

// Attach 暂存本地文件，随下一条消息发送。
func (w *Widget) Attach(files ...chat.LocalFile) ([]chat.PendingAttachment, error) {
	added, err := w.staging.Stage(files...)
	if err != nil {
		return nil, err
	}
	w.changed()
	return added, nil
}

// Detach 移除暂存的附件。
func (w *Widget) Detach(id string) bool {
	removed := w.staging.Unstage(id)
	if removed {
		w.changed()
	}
	return removed
}

// Send 发送一条消息。
//
// 没有选中会话时缓存文本并返回 conversation.ErrTypeSelectionRequired。
// AI 会话的纯文本消息走 WebSocket，连接未打开时不写入任何内容并返回 transport.ErrNotConnected；
// 客服会话或带附件的消息走 HTTP，失败时撤回乐观回显。
func (w *Widget) Send(ctx context.Context, text string) error {
	if w.closed.Load() {
		return ErrClosed
	}
	text = strings.TrimSpace(text)
	if text == "" && w.staging.Len() == 0 {
		return ErrEmptyMessage
	}

	conv, err := w.selector.Submit(text)
	if err != nil {
		w.changed()
		return err
	}
	sess := w.current.Load()
	if sess == nil || sess.conv.ID != conv.ID {
		return ErrNoConversation
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	if conv.IsAI() && w.staging.Len() == 0 {
		return w.sendViaSocket(sess, text)
	}
	return w.sendViaHTTP(ctx, sess, text)
}

// ChooseType 用缓存的文本创建指定类型的会话并选中。AI 会话随即进入等待。
func (w *Widget) ChooseType(ctx context.Context, convType chat.ConversationType) error {
	if w.closed.Load() {
		return ErrClosed
	}
	text := w.selector.Buffered()

	conv, err := w.selector.ChooseType(ctx, convType)
	if err != nil {
		w.changed()
		return err
	}

	sess, err := w.acquire(ctx, conv, conv.IsAI() && text != "")
	if errors.Is(err, ErrClosed) {
		return err
	}

	if w.staging.Len() > 0 {
		if msgID := firstClientMessage(sess.transcript.Snapshot(), text); msgID != "" {
			w.commitAttachments(ctx, sess, msgID)
		}
	}
	return nil
}

// Snapshot 返回当前状态。
func (w *Widget) Snapshot() Snapshot {
	snap := Snapshot{
		Phase:         w.selector.Phase(),
		Conversations: w.selector.Conversations(),
		Pending:       w.staging.Pending(),
		Draft:         w.selector.Buffered(),
	}
	if sess := w.current.Load(); sess != nil {
		conv := sess.conv
		snap.Conversation = &conv
		snap.Messages = sess.transcript.Snapshot()
		snap.Connected = sess.connected.Load()
		snap.Waiting = sess.wait.Waiting()
	}
	return snap
}

// Subscribe 订阅状态变化，返回取消函数。回调在单独的 goroutine 中串行执行，
// 连续变化会合并为最新的一次。
func (w *Widget) Subscribe(fn func(Snapshot)) func() {
	w.subsMu.Lock()
	w.subSeq++
	id := w.subSeq
	w.subs[id] = fn
	w.subsMu.Unlock()
	w.changed()

	return func() {
		w.subsMu.Lock()
		delete(w.subs, id)
		w.subsMu.Unlock()
	}
}

func (w *Widget) sendViaSocket(sess *session, text string) error {
	if sess.conn == nil || !sess.conn.Connected() {
		w.log.Warn().Str("conversation_id", sess.conv.ID).Msg("socket not connected, message not sent")
		return transport.ErrNotConnected
	}

	echo := chat.NewOptimistic(sess.conv.ID, w.opts.DisplayName, text, chat.MessageTypeText, nil, w.opts.Now())
	sess.transcript.Apply(echo)
	sess.wait.Begin(sess.ctx)

	if err := sess.conn.Send(text, chat.MessageTypeText); err != nil {
		sess.wait.Abort()
		sess.transcript.Retract(echo.ID)
		return err
	}
	return nil
}

func (w *Widget) sendViaHTTP(ctx context.Context, sess *session, text string) error {
	previews := w.staging.Previews()
	messageType := messageTypeFor(text, previews)

	echo := chat.NewOptimistic(sess.conv.ID, w.opts.DisplayName, text, messageType, previews, w.opts.Now())
	sess.transcript.Apply(echo)
	if sess.conv.IsAI() {
		sess.wait.Begin(sess.ctx)
	}

	msg, err := w.api.SendMessage(ctx, sess.conv.ID, text, messageType)
	if err != nil {
		sess.wait.Abort()
		sess.transcript.Retract(echo.ID)
		w.log.Error().Err(err).Str("conversation_id", sess.conv.ID).Msg("send message failed")
		return fmt.Errorf("send message: %w", err)
	}
	if !sess.alive() {
		return nil
	}
	if msg.ConversationID == "" {
		msg.ConversationID = sess.conv.ID
	}
	sess.wait.Observe(sess.transcript.Apply(msg))

	if len(previews) > 0 {
		w.commitAttachments(ctx, sess, msg.ID)
	}
	return nil
}

// commitAttachments 上传暂存附件并重新拉取一次历史，把本地预览换成服务端地址。
func (w *Widget) commitAttachments(ctx context.Context, sess *session, messageID string) {
	report := w.staging.Commit(ctx, messageID, w.api)
	w.changed()
	if failed := report.Failed(); failed > 0 {
		w.log.Warn().Err(report.Err()).Str("message_id", messageID).Int("failed", failed).Msg("some attachments were not uploaded")
	}
	if !sess.alive() {
		return
	}
	if _, err := w.loadHistory(ctx, sess); err != nil {
		w.log.Warn().Err(err).Str("conversation_id", sess.conv.ID).Msg("history refresh after upload failed")
	}
}

func (w *Widget) loadHistory(ctx context.Context, sess *session) (reconcile.BatchResult, error) {
	messages, err := w.api.FetchMessages(ctx, sess.conv.ID)
	if err != nil {
		return reconcile.BatchResult{}, err
	}
	if !sess.alive() {
		return reconcile.BatchResult{}, nil
	}
	result := sess.transcript.ApplyAll(messages)
	sess.wait.ObserveBatch(result)
	w.log.Debug().Str("conversation_id", sess.conv.ID).Int("fetched", len(messages)).Int("transcript", sess.transcript.Len()).Msg("history merged")
	return result, nil
}

func (w *Widget) changed() {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

func (w *Widget) publishLoop() {
	defer close(w.publisherDone)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.dirty:
		}

		w.subsMu.Lock()
		subs := make([]func(Snapshot), 0, len(w.subs))
		for _, fn := range w.subs {
			subs = append(subs, fn)
		}
		w.subsMu.Unlock()
		if len(subs) == 0 {
			continue
		}

		snap := w.Snapshot()
		for _, fn := range subs {
			fn(snap)
		}
	}
}

func messageTypeFor(text string, previews []chat.Attachment) string {
	if text != "" || len(previews) == 0 {
		return chat.MessageTypeText
	}
	if previews[0].FileType == "image" {
		return chat.MessageTypeImage
	}
	return chat.MessageTypeFile
}

func firstClientMessage(messages []chat.Message, content string) string {
	for _, m := range messages {
		if m.IsFinal() && m.SenderType == chat.SenderClient && m.Content == content {
			return m.ID
		}
	}
	return ""
}
