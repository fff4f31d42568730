package chat

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrEmptyMessage         = errors.New("message content is required")
	ErrInvalidType          = errors.New("conversation_type must be ai or support")
)

// Listener 接收新写入或被更新的消息。
type Listener func(chat.Message)

// Service encapsulates conversation state management.
type Service struct {
	mu            sync.RWMutex
	conversations map[string]*chat.Conversation
	messages      map[string][]chat.Message
	seq           int64

	listenersMu sync.RWMutex
	listeners   map[string]map[int]Listener
	listenerSeq int

	now func() time.Time
}

// NewService bootstraps the in-memory chat service suitable for local development.
func NewService() *Service {
	return &Service{
		conversations: make(map[string]*chat.Conversation),
		messages:      make(map[string][]chat.Message),
		listeners:     make(map[string]map[int]Listener),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreateConversation 创建会话；content 非空时作为首条客户消息写入。
func (s *Service) CreateConversation(ctx context.Context, subject, content, senderName string, convType chat.ConversationType) (chat.Conversation, error) {
	if convType == "" {
		convType = chat.ConversationSupport
	}
	if !convType.Valid() {
		return chat.Conversation{}, ErrInvalidType
	}

	subject = strings.TrimSpace(subject)
	s.mu.Lock()
	conv := &chat.Conversation{
		ID:               s.nextIDLocked(),
		Subject:          subject,
		Status:           chat.StatusOpen,
		ConversationType: convType,
		CreatedAt:        s.now(),
	}
	s.conversations[conv.ID] = conv
	s.messages[conv.ID] = make([]chat.Message, 0, 16)
	out := *conv
	s.mu.Unlock()

	if strings.TrimSpace(content) != "" {
		msg, err := s.PostMessage(ctx, chat.Message{
			ConversationID: conv.ID,
			SenderType:     chat.SenderClient,
			SenderName:     senderName,
			Content:        content,
		})
		if err != nil {
			return chat.Conversation{}, err
		}
		out.MessageCount = 1
		out.LastMessageAt = &msg.CreatedAt
	}
	return out, nil
}

// GetConversation retrieves a conversation by identifier.
func (s *Service) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	return *conv, nil
}

// ListConversations 按最近活动时间倒序返回会话。
func (s *Service) ListConversations(_ context.Context) []chat.Conversation {
	s.mu.RLock()
	out := make([]chat.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, *conv)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return activity(out[i]).After(activity(out[j]))
	})
	return out
}

// PostMessage 写入消息，分配 ID 与时间戳，并通知订阅者。
func (s *Service) PostMessage(_ context.Context, message chat.Message) (chat.Message, error) {
	if strings.TrimSpace(message.Content) == "" && len(message.Attachments) == 0 {
		return chat.Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	conv, ok := s.conversations[message.ConversationID]
	if !ok {
		s.mu.Unlock()
		return chat.Message{}, ErrConversationNotFound
	}

	message.ID = s.nextIDLocked()
	message.Kind = chat.KindConfirmed
	if message.MessageType == "" {
		message.MessageType = chat.MessageTypeText
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now()
	}
	message.SenderType = chat.SenderType(strings.ToLower(string(message.SenderType)))

	s.messages[conv.ID] = append(s.messages[conv.ID], message)
	conv.MessageCount++
	at := message.CreatedAt
	conv.LastMessageAt = &at
	stored := message.Clone()
	s.mu.Unlock()

	s.publish(stored)
	return stored, nil
}

// AttachFile 将已上传的文件关联到消息，并以更新后的消息通知订阅者。
func (s *Service) AttachFile(_ context.Context, messageID string, attachment chat.Attachment) (chat.Attachment, error) {
	s.mu.Lock()
	convID, idx := s.findMessageLocked(messageID)
	if idx < 0 {
		s.mu.Unlock()
		return chat.Attachment{}, ErrMessageNotFound
	}

	attachment.ID = s.nextIDLocked()
	if attachment.UploadedAt.IsZero() {
		attachment.UploadedAt = s.now()
	}
	msg := &s.messages[convID][idx]
	msg.Attachments = append(msg.Attachments, attachment)
	updated := msg.Clone()
	s.mu.Unlock()

	s.publish(updated)
	return attachment, nil
}

// LoadTranscript returns stored messages for the provided conversation.
func (s *Service) LoadTranscript(_ context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	copied := make([]chat.Message, 0, len(messages))
	for _, m := range messages {
		copied = append(copied, m.Clone())
	}
	return copied, nil
}

// Subscribe 订阅会话消息；conversationID 为空时订阅全部会话。返回取消函数。
func (s *Service) Subscribe(conversationID string, fn Listener) func() {
	s.listenersMu.Lock()
	s.listenerSeq++
	id := s.listenerSeq
	if s.listeners[conversationID] == nil {
		s.listeners[conversationID] = make(map[int]Listener)
	}
	s.listeners[conversationID][id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners[conversationID], id)
		if len(s.listeners[conversationID]) == 0 {
			delete(s.listeners, conversationID)
		}
		s.listenersMu.Unlock()
	}
}

func (s *Service) publish(msg chat.Message) {
	s.listenersMu.RLock()
	targets := make([]Listener, 0, len(s.listeners[msg.ConversationID])+len(s.listeners[""]))
	for _, fn := range s.listeners[msg.ConversationID] {
		targets = append(targets, fn)
	}
	for _, fn := range s.listeners[""] {
		targets = append(targets, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range targets {
		fn(msg.Clone())
	}
}

func (s *Service) findMessageLocked(messageID string) (string, int) {
	for convID, messages := range s.messages {
		for i := range messages {
			if messages[i].ID == messageID {
				return convID, i
			}
		}
	}
	return "", -1
}

func (s *Service) nextIDLocked() string {
	s.seq++
	return strconv.FormatInt(s.seq, 10)
}

func activity(c chat.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}
