// Package conversation 管理会话列表、选中状态以及新会话的类型选择与创建流程。
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/apiclient"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

var (
	// ErrTypeSelectionRequired 没有选中会话时发送，需要先选择会话类型。
	ErrTypeSelectionRequired = errors.New("conversation type selection required")
	// ErrUnknownConversation 选中的会话不在列表中。
	ErrUnknownConversation = errors.New("unknown conversation")
	// ErrInvalidType 会话类型不是 ai 或 support。
	ErrInvalidType = errors.New("invalid conversation type")
	// ErrNotSelectingType 当前不在类型选择阶段。
	ErrNotSelectingType = errors.New("not in type selection")
	// ErrCreationInProgress 已有创建请求在进行中。
	ErrCreationInProgress = errors.New("conversation creation in progress")
)

// Phase 选择流程所处阶段。
type Phase int

const (
	PhaseNoneSelected Phase = iota
	PhaseTypeSelection
	PhaseCreating
	PhaseSelected
)

func (p Phase) String() string {
	switch p {
	case PhaseNoneSelected:
		return "none_selected"
	case PhaseTypeSelection:
		return "type_selection"
	case PhaseCreating:
		return "creating"
	case PhaseSelected:
		return "selected"
	default:
		return "unknown"
	}
}

// subjectMaxRunes 自动生成标题的最大长度。
const subjectMaxRunes = 50

// Backend 会话相关的 REST 接口。
type Backend interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	CreateConversation(ctx context.Context, req apiclient.CreateConversationRequest) (chat.Conversation, error)
}

// Selector 会话选择状态机。并发安全。
type Selector struct {
	backend  Backend
	log      zerolog.Logger
	onChange func(Phase)

	mu            sync.Mutex
	phase         Phase
	conversations []chat.Conversation
	selected      *chat.Conversation
	buffered      string
}

// NewSelector 创建 Selector，onChange 可为空。
func NewSelector(backend Backend, log zerolog.Logger, onChange func(Phase)) *Selector {
	return &Selector{
		backend:  backend,
		log:      log.With().Str("component", "conversation").Logger(),
		onChange: onChange,
	}
}

// Refresh 重新拉取会话列表。选中的会话保持不变。
func (s *Selector) Refresh(ctx context.Context) ([]chat.Conversation, error) {
	conversations, err := s.backend.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	s.mu.Lock()
	s.conversations = conversations
	s.mu.Unlock()
	return append([]chat.Conversation(nil), conversations...), nil
}

// Conversations 返回当前会话列表拷贝。
func (s *Selector) Conversations() []chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Conversation(nil), s.conversations...)
}

// Phase 当前阶段。
func (s *Selector) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Selected 返回选中的会话。
func (s *Selector) Selected() (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return chat.Conversation{}, false
	}
	return *s.selected, true
}

// Buffered 返回等待类型选择的草稿文本。
func (s *Selector) Buffered() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// Select 选中列表中的会话。
func (s *Selector) Select(id string) (chat.Conversation, error) {
	s.mu.Lock()
	if s.phase == PhaseCreating {
		s.mu.Unlock()
		return chat.Conversation{}, ErrCreationInProgress
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return chat.Conversation{}, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	conv := s.conversations[idx]
	s.selected = &conv
	s.buffered = ""
	s.mu.Unlock()

	s.setPhase(PhaseSelected)
	return conv, nil
}

// Deselect 回到未选中状态。
func (s *Selector) Deselect() {
	s.mu.Lock()
	s.selected = nil
	s.buffered = ""
	s.mu.Unlock()
	s.setPhase(PhaseNoneSelected)
}

// BeginNew 进入类型选择，开始一个新会话。
func (s *Selector) BeginNew() error {
	s.mu.Lock()
	if s.phase == PhaseCreating {
		s.mu.Unlock()
		return ErrCreationInProgress
	}
	s.selected = nil
	s.mu.Unlock()
	s.setPhase(PhaseTypeSelection)
	return nil
}

// CancelNew 放弃类型选择，草稿文本一并丢弃。
func (s *Selector) CancelNew() {
	s.mu.Lock()
	if s.phase != PhaseTypeSelection {
		s.mu.Unlock()
		return
	}
	s.buffered = ""
	s.mu.Unlock()
	s.setPhase(PhaseNoneSelected)
}

// Submit 在没有选中会话时缓存文本并要求选择类型；已选中时返回选中的会话。
func (s *Selector) Submit(text string) (chat.Conversation, error) {
	s.mu.Lock()
	if s.selected != nil && s.phase == PhaseSelected {
		conv := *s.selected
		s.mu.Unlock()
		return conv, nil
	}
	if s.phase == PhaseCreating {
		s.mu.Unlock()
		return chat.Conversation{}, ErrCreationInProgress
	}
	s.buffered = text
	s.mu.Unlock()

	s.setPhase(PhaseTypeSelection)
	return chat.Conversation{}, ErrTypeSelectionRequired
}

// ChooseType 以缓存的文本创建指定类型的会话并选中。
// 创建失败时回到类型选择阶段，缓存文本保留以便重试。
func (s *Selector) ChooseType(ctx context.Context, convType chat.ConversationType) (chat.Conversation, error) {
	if !convType.Valid() {
		return chat.Conversation{}, fmt.Errorf("%w: %q", ErrInvalidType, convType)
	}

	s.mu.Lock()
	switch s.phase {
	case PhaseCreating:
		s.mu.Unlock()
		return chat.Conversation{}, ErrCreationInProgress
	case PhaseTypeSelection:
	default:
		s.mu.Unlock()
		return chat.Conversation{}, ErrNotSelectingType
	}
	text := s.buffered
	s.phase = PhaseCreating
	s.mu.Unlock()
	s.emit(PhaseCreating)

	req := apiclient.CreateConversationRequest{
		Subject:          Subject(text, convType),
		Content:          text,
		ConversationType: convType,
	}
	conv, err := s.backend.CreateConversation(ctx, req)
	if err != nil {
		s.log.Error().Err(err).Str("type", string(convType)).Msg("create conversation failed")
		s.setPhase(PhaseTypeSelection)
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	if conv.ConversationType == "" {
		conv.ConversationType = convType
	}

	s.mu.Lock()
	if idx := s.indexLocked(conv.ID); idx >= 0 {
		s.conversations[idx] = conv
	} else {
		s.conversations = append([]chat.Conversation{conv}, s.conversations...)
	}
	s.selected = &conv
	s.buffered = ""
	s.mu.Unlock()

	s.log.Info().Str("conversation_id", conv.ID).Str("type", string(conv.ConversationType)).Msg("conversation created")
	s.setPhase(PhaseSelected)
	return conv, nil
}

// Subject 由首条消息生成会话标题。
func Subject(text string, convType chat.ConversationType) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		if convType == chat.ConversationAI {
			return "AI 助手"
		}
		return "客服咨询"
	}
	if utf8.RuneCountInString(line) <= subjectMaxRunes {
		return line
	}
	runes := []rune(line)
	return string(runes[:subjectMaxRunes]) + "..."
}

func (s *Selector) indexLocked(id string) int {
	for i, c := range s.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (s *Selector) setPhase(p Phase) {
	s.mu.Lock()
	changed := s.phase != p
	s.phase = p
	s.mu.Unlock()
	if changed {
		s.emit(p)
	}
}

func (s *Selector) emit(p Phase) {
	if s.onChange != nil {
		s.onChange(p)
	}
}
