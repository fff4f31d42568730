package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/chatsync/internal/apiclient"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/aiwait"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/conversation"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/transport"
)

type fakeAPI struct {
	mu        sync.Mutex
	convs     []chat.Conversation
	history   map[string][]chat.Message
	nextID    int
	sendErr   error
	uploadErr error
	sent      []string
	uploads   []string
	fetches   atomic.Int32
}

func newFakeAPI(convs ...chat.Conversation) *fakeAPI {
	return &fakeAPI{convs: convs, history: make(map[string][]chat.Message), nextID: 100}
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Conversation(nil), f.convs...), nil
}

func (f *fakeAPI) CreateConversation(ctx context.Context, req apiclient.CreateConversationRequest) (chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv := chat.Conversation{ID: "new", Subject: req.Subject, ConversationType: req.ConversationType}
	f.convs = append(f.convs, conv)
	if req.Content != "" {
		f.appendLocked(conv.ID, chat.SenderClient, req.Content)
	}
	return conv, nil
}

func (f *fakeAPI) FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.Message, 0, len(f.history[conversationID]))
	for _, m := range f.history[conversationID] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID, content, messageType string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return chat.Message{}, f.sendErr
	}
	f.sent = append(f.sent, content)
	msg := f.appendLocked(conversationID, chat.SenderClient, content)
	msg.MessageType = messageType
	return msg, nil
}

func (f *fakeAPI) UploadAttachment(ctx context.Context, messageID string, file chat.LocalFile) (chat.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, messageID)
	if f.uploadErr != nil {
		return chat.Attachment{}, f.uploadErr
	}
	att := chat.Attachment{
		ID:       fmt.Sprintf("att-%d", len(f.uploads)),
		FileName: file.Name,
		FileType: "image",
		FileURL:  "https://cdn.example.com/" + file.Name,
		MimeType: file.Type,
	}
	for convID, msgs := range f.history {
		for i := range msgs {
			if msgs[i].ID == messageID {
				f.history[convID][i].Attachments = append(f.history[convID][i].Attachments, att)
			}
		}
	}
	return att, nil
}

// reply 模拟服务端写入一条消息，返回写入的消息。
func (f *fakeAPI) reply(conversationID string, sender chat.SenderType, content string) chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendLocked(conversationID, sender, content)
}

func (f *fakeAPI) appendLocked(conversationID string, sender chat.SenderType, content string) chat.Message {
	f.nextID++
	msg := chat.Message{
		ID:             fmt.Sprintf("%d", f.nextID),
		ConversationID: conversationID,
		SenderType:     sender,
		Content:        content,
		MessageType:    chat.MessageTypeText,
		CreatedAt:      time.Now().UTC(),
	}
	f.history[conversationID] = append(f.history[conversationID], msg)
	return msg.Clone()
}

type fakeConn struct {
	connected atomic.Bool
	closed    atomic.Bool
	sendErr   error

	mu   sync.Mutex
	sent []string
}

func (c *fakeConn) Send(content, messageType string) error {
	if !c.connected.Load() {
		return transport.ErrNotConnected
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	c.sent = append(c.sent, content)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Connected() bool { return c.connected.Load() }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.connected.Store(false)
	return nil
}

func (c *fakeConn) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type dialed struct {
	conversationID string
	hooks          transport.Hooks
	conn           *fakeConn
}

type fakeDialer struct {
	online  bool
	sendErr error

	mu    sync.Mutex
	opens []dialed
}

func (d *fakeDialer) Open(ctx context.Context, conversationID string, hooks transport.Hooks) transport.Conn {
	conn := &fakeConn{sendErr: d.sendErr}
	d.mu.Lock()
	d.opens = append(d.opens, dialed{conversationID: conversationID, hooks: hooks, conn: conn})
	d.mu.Unlock()
	if d.online {
		conn.connected.Store(true)
		if hooks.OnStatus != nil {
			hooks.OnStatus(true)
		}
	}
	return conn
}

func (d *fakeDialer) last(t *testing.T) dialed {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.opens)
	return d.opens[len(d.opens)-1]
}

func fastOptions() Options {
	return Options{
		DisplayName: "Tester",
		Wait:        aiwait.Options{ThinkingDelay: 20 * time.Millisecond, PollInterval: time.Hour},
	}
}

func newTestWidget(t *testing.T, api *fakeAPI, dialer *fakeDialer, opts Options) *Widget {
	t.Helper()
	w := New(api, dialer, opts, zerolog.Nop())
	t.Cleanup(w.Close)
	require.NoError(t, w.Mount(context.Background()))
	return w
}

func aiConversation(id string) chat.Conversation {
	return chat.Conversation{ID: id, Subject: "AI", ConversationType: chat.ConversationAI}
}

func supportConversation(id string) chat.Conversation {
	return chat.Conversation{ID: id, Subject: "Support", ConversationType: chat.ConversationSupport}
}

func hasPlaceholder(messages []chat.Message) bool {
	for _, m := range messages {
		if m.IsPlaceholder() {
			return true
		}
	}
	return false
}

func containsContent(messages []chat.Message, content string) bool {
	for _, m := range messages {
		if m.IsFinal() && m.Content == content {
			return true
		}
	}
	return false
}

func TestSendOverSocketShowsPlaceholderUntilReply(t *testing.T) {
	api := newFakeAPI(aiConversation("1"))
	dialer := &fakeDialer{online: true}
	w := newTestWidget(t, api, dialer, fastOptions())
	ctx := context.Background()

	require.NoError(t, w.Select(ctx, "1"))
	require.NoError(t, w.Send(ctx, "  hello  "))

	link := dialer.last(t)
	assert.Equal(t, []string{"hello"}, link.conn.sentFrames())

	snap := w.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].IsOptimistic())
	assert.True(t, snap.Waiting)

	require.Eventually(t, func() bool {
		return hasPlaceholder(w.Snapshot().Messages)
	}, time.Second, 5*time.Millisecond)

	// 服务端回推用户消息，再推 AI 回复
	link.hooks.OnMessage(api.reply("1", chat.SenderClient, "hello"))
	link.hooks.OnMessage(api.reply("1", chat.SenderAI, "world"))

	require.Eventually(t, func() bool { return !w.Snapshot().Waiting }, time.Second, 5*time.Millisecond)
	msgs := w.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "101", msgs[0].ID)
	assert.True(t, msgs[0].IsFinal())
	assert.Equal(t, "world", msgs[1].Content)
	assert.False(t, hasPlaceholder(msgs))
}

func TestSendOverSocketWhileDisconnectedAppendsNothing(t *testing.T) {
	api := newFakeAPI(aiConversation("1"))
	dialer := &fakeDialer{online: false}
	w := newTestWidget(t, api, dialer, fastOptions())
	ctx := context.Background()

	require.NoError(t, w.Select(ctx, "1"))
	err := w.Send(ctx, "hello")
	require.ErrorIs(t, err, transport.ErrNotConnected)

	time.Sleep(40 * time.Millisecond)
	snap := w.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.Waiting)
	assert.False(t, snap.Connected)
}

func TestSocketSendFailureRetractsEcho(t *testing.T) {
	api := newFakeAPI(aiConversation("1"))
	dialer := &fakeDialer{online: true, sendErr: errors.New("broken pipe")}
	w := newTestWidget(t, api, dialer, fastOptions())
	ctx := context.Background()

	require.NoError(t, w.Select(ctx, "1"))
	require.Error(t, w.Send(ctx, "hello"))

	snap := w.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.Waiting)
}

func TestSendOverHTTPForSupportConversation(t *testing.T) {
	api := newFakeAPI(supportConversation("2"))
	dialer := &fakeDialer{online: true}
	w := newTestWidget(t, api, dialer, fastOptions())
	ctx := context.Background()

	require.NoError(t, w.Select(ctx, "2"))

	api.mu.Lock()
	api.sendErr = errors.New("server unavailable")
	api.mu.Unlock()
	require.Error(t, w.Send(ctx, "need help"))
	assert.Empty(t, w.Snapshot().Messages)

	api.mu.Lock()
	api.sendErr = nil
	api.mu.Unlock()
	require.NoError(t, w.Send(ctx, "need help"))

	snap := w.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].IsFinal())
	assert.Equal(t, "need help", snap.Messages[0].Content)
	assert.False(t, snap.Waiting)
	assert.Empty(t, dialer.last(t).conn.sentFrames())
}

func TestSendWithAttachmentsUploadsAndRefetches(t *testing.T) {
	api := newFakeAPI(supportConversation("2"))
	dialer := &fakeDialer{online: true}
	w := newTestWidget(t, api, dialer, fastOptions())
	ctx := context.Background()

	require.NoError(t, w.Select(ctx, "2"))
	staged, err := w.Attach(chat.LocalFile{URI: "file:///tmp/receipt.png", Name: "receipt.png", Type: "image/png", Size: 12})
	require.NoError(t, err)
	require.Len(t, staged, 1)

	fetchesBefore := api.fetches.Load()
	require.NoError(t, w.Send(ctx, ""))

	api.mu.Lock()
	uploads := append([]string(nil), api.uploads...)
	api.mu.Unlock()
	require.Len(t, uploads, 1)
	assert.Equal(t, int32(1), api.fetches.Load()-fetchesBefore)

	snap := w.Snapshot()
	assert.Empty(t, snap.Pending)
	require.Len(t, snap.Messages, 1)
	msg := snap.Messages[0]
	assert.Equal(t, uploads[0], msg.ID)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "https://cdn.example.com/receipt.png", msg.Attachments[0].FileURL)
}

func TestAttachmentsGoOverHTTPInAIConversation(t *testing.T) {
	api := newFakeAPI(aiConversation("1"))
	dialer := &fakeDialer{online: true}
	w := newTestWidget(t, api, dialer, fastOptions())
	ctx := context.Background()

	require.NoError(t, w.Select(ctx, "1"))
	_, err := w.Attach(chat.LocalFile{URI: "file:///tmp/chart.png", Name: "chart.png", Type: "image/png", Size: 5})
	require.NoError(t, err)
	require.NoError(t, w.Send(ctx, "what is this?"))

	assert.Empty(t, dialer.last(t).conn.sentFrames())
	api.mu.Lock()
	assert.Equal(t, []string{"what is this?"}, api.sent)
	api.mu.Unlock()
	assert.True(t, w.Snapshot().Waiting)

	dialer.last(t).hooks.OnMessage(api.reply("1", chat.SenderAI, "a chart"))
	require.Eventually(t, func() bool { return !w.Snapshot().Waiting }, time.Second, 5*time.Millisecond)
}

func TestSendWithoutConversationRequiresTypeSelection(t *testing.T) {
	api := newFakeAPI()
	dialer := &fakeDialer{online: true}
	opts := fastOptions()
	opts.Wait.PollInterval = 20 * time.Millisecond
	w := newTestWidget(t, api, dialer, opts)
	ctx := context.Background()

	require.ErrorIs(t, w.Send(ctx, "how many orders today?"), conversation.ErrTypeSelectionRequired)
	snap := w.Snapshot()
	assert.Equal(t, conversation.PhaseTypeSelection, snap.Phase)
	assert.Equal(t, "how many orders today?", snap.Draft)

	require.NoError(t, w.ChooseType(ctx, chat.ConversationAI))

	snap = w.Snapshot()
	require.NotNil(t, snap.Conversation)
	assert.Equal(t, "new", snap.Conversation.ID)
	assert.Equal(t, conversation.PhaseSelected, snap.Phase)
	assert.True(t, containsContent(snap.Messages, "how many orders today?"))
	assert.True(t, snap.Waiting)

	// 回复只出现在历史中，由轮询发现
	api.reply("new", chat.SenderAI, "42 orders")
	require.Eventually(t, func() bool {
		s := w.Snapshot()
		return !s.Waiting && len(s.Messages) == 2 && !hasPlaceholder(s.Messages)
	}, time.Second, 5*time.Millisecond)
}

func TestChooseTypeSupportDoesNotWait(t *testing.T) {
	api := newFakeAPI()
	w := newTestWidget(t, api, &fakeDialer{online: true}, fastOptions())
	ctx := context.Background()

	require.ErrorIs(t, w.Send(ctx, "refund please"), conversation.ErrTypeSelectionRequired)
	require.NoError(t, w.ChooseType(ctx, chat.ConversationSupport))

	snap := w.Snapshot()
	assert.False(t, snap.Waiting)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "refund please", snap.Messages[0].Content)
}

func TestSelectReleasesPreviousSession(t *testing.T) {
	api := newFakeAPI(aiConversation("1"), supportConversation("2"))
	api.reply("2", chat.SenderAgent, "welcome")
	dialer := &fakeDialer{online: true}
	w := newTestWidget(t, api, dialer, fastOptions())
	ctx := context.Background()

	require.NoError(t, w.Select(ctx, "1"))
	first := dialer.last(t)
	require.NoError(t, w.Send(ctx, "hello"))
	_, err := w.Attach(chat.LocalFile{URI: "file:///tmp/a.txt", Name: "a.txt", Size: 1})
	require.NoError(t, err)

	require.NoError(t, w.Select(ctx, "2"))
	assert.True(t, first.conn.closed.Load())

	// 旧连接的迟到回调不再生效
	first.hooks.OnMessage(chat.Message{ID: "900", ConversationID: "1", SenderType: chat.SenderAI, Content: "late"})
	first.hooks.OnStatus(false)
	time.Sleep(40 * time.Millisecond)

	snap := w.Snapshot()
	require.NotNil(t, snap.Conversation)
	assert.Equal(t, "2", snap.Conversation.ID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "welcome", snap.Messages[0].Content)
	assert.True(t, snap.Connected)
	assert.False(t, snap.Waiting)
	assert.Empty(t, snap.Pending)
}

func TestSocketMessageForOtherConversationIgnored(t *testing.T) {
	api := newFakeAPI(supportConversation("2"))
	dialer := &fakeDialer{online: true}
	w := newTestWidget(t, api, dialer, fastOptions())

	require.NoError(t, w.Select(context.Background(), "2"))
	dialer.last(t).hooks.OnMessage(chat.Message{ID: "5", ConversationID: "3", SenderType: chat.SenderAgent, Content: "wrong room"})
	assert.Empty(t, w.Snapshot().Messages)
}

func TestDeselectClosesSocket(t *testing.T) {
	api := newFakeAPI(supportConversation("2"))
	dialer := &fakeDialer{online: true}
	w := newTestWidget(t, api, dialer, fastOptions())

	require.NoError(t, w.Select(context.Background(), "2"))
	w.Deselect()

	assert.True(t, dialer.last(t).conn.closed.Load())
	snap := w.Snapshot()
	assert.Nil(t, snap.Conversation)
	assert.Equal(t, conversation.PhaseNoneSelected, snap.Phase)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	api := newFakeAPI(supportConversation("2"))
	w := newTestWidget(t, api, &fakeDialer{online: true}, fastOptions())

	var mu sync.Mutex
	var seen []Snapshot
	unsubscribe := w.Subscribe(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, w.Select(context.Background(), "2"))
	require.NoError(t, w.Send(context.Background(), "ping"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 {
			return false
		}
		last := seen[len(seen)-1]
		return last.Conversation != nil && last.Conversation.ID == "2" && len(last.Messages) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEmptySendAndClosedWidget(t *testing.T) {
	api := newFakeAPI(supportConversation("2"))
	dialer := &fakeDialer{online: true}
	w := New(api, dialer, fastOptions(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, w.Mount(ctx))
	require.NoError(t, w.Select(ctx, "2"))
	require.ErrorIs(t, w.Send(ctx, "   "), ErrEmptyMessage)

	w.Close()
	w.Close()
	assert.True(t, dialer.last(t).conn.closed.Load())
	require.ErrorIs(t, w.Send(ctx, "hi"), ErrClosed)
	require.ErrorIs(t, w.Select(ctx, "2"), ErrClosed)
}

func TestFailedUploadKeepsMessageAndLocalPreview(t *testing.T) {
	api := newFakeAPI(supportConversation("2"))
	api.uploadErr = errors.New("storage full")
	w := newTestWidget(t, api, &fakeDialer{online: true}, fastOptions())
	ctx := context.Background()

	require.NoError(t, w.Select(ctx, "2"))
	_, err := w.Attach(chat.LocalFile{URI: "file:///tmp/scan.pdf", Name: "scan.pdf", Type: "application/pdf", Size: 4})
	require.NoError(t, err)
	require.NoError(t, w.Send(ctx, "invoice"))

	snap := w.Snapshot()
	assert.Empty(t, snap.Pending)
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].IsFinal())
	require.Len(t, snap.Messages[0].Attachments, 1)
	assert.True(t, snap.Messages[0].Attachments[0].IsLocal())
}
