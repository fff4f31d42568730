package chat

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SenderType 标识消息的发送方。
type SenderType string

const (
	SenderClient SenderType = "client"
	SenderAgent  SenderType = "agent"
	SenderAI     SenderType = "ai"
	SenderBot    SenderType = "bot"
)

// IsAI 报告发送方是否为 AI/机器人。
func (s SenderType) IsAI() bool {
	return s == SenderAI || s == SenderBot
}

// Kind 区分转录中的三种消息形态。零值即服务端确认过的消息。
type Kind int

const (
	// KindConfirmed 服务端分配了稳定 ID 的消息。
	KindConfirmed Kind = iota
	// KindOptimistic 本地发送后立即回显、尚未被服务端确认的消息。
	KindOptimistic
	// KindPlaceholder "AI 正在思考" 占位消息，没有服务端对应。
	KindPlaceholder
)

func (k Kind) String() string {
	switch k {
	case KindConfirmed:
		return "confirmed"
	case KindOptimistic:
		return "optimistic"
	case KindPlaceholder:
		return "placeholder"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// 临时 ID 前缀，仅用于展示与兼容，协调逻辑只看 Kind。
const (
	OptimisticIDPrefix  = "temp-"
	PlaceholderIDPrefix = "thinking-"
)

// 默认消息类型。
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
	MessageTypeVoice = "voice"
)

// Message 是转录中的单条消息。
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderType     SenderType   `json:"sender_type"`
	SenderName     string       `json:"sender_name"`
	Content        string       `json:"content"`
	MessageType    string       `json:"message_type"`
	CreatedAt      time.Time    `json:"created_at"`
	IsRead         bool         `json:"is_read"`
	Attachments    []Attachment `json:"attachments"`
	AIData         *AIData      `json:"ai_data,omitempty"`
	Kind           Kind         `json:"-"`
}

// IsOptimistic 报告消息是否为本地乐观回显。
func (m Message) IsOptimistic() bool { return m.Kind == KindOptimistic }

// IsPlaceholder 报告消息是否为思考占位。
func (m Message) IsPlaceholder() bool { return m.Kind == KindPlaceholder }

// IsFinal 报告消息是否已被服务端确认。
func (m Message) IsFinal() bool { return m.Kind == KindConfirmed }

// Clone 返回一份不共享附件切片的拷贝。
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.AIData != nil {
		data := *m.AIData
		out.AIData = &data
	}
	return out
}

// NewOptimistic 构造一条本地回显消息，ID 形如 temp-<毫秒时间戳>。
func NewOptimistic(conversationID, senderName, content, messageType string, previews []Attachment, now time.Time) Message {
	if messageType == "" {
		messageType = MessageTypeText
	}
	return Message{
		ID:             fmt.Sprintf("%s%d", OptimisticIDPrefix, now.UnixNano()),
		ConversationID: conversationID,
		SenderType:     SenderClient,
		SenderName:     senderName,
		Content:        content,
		MessageType:    messageType,
		CreatedAt:      now.UTC(),
		IsRead:         true,
		Attachments:    append([]Attachment(nil), previews...),
		Kind:           KindOptimistic,
	}
}

// NewPlaceholder 构造 "AI 正在思考" 占位消息。
func NewPlaceholder(conversationID string, now time.Time) Message {
	return Message{
		ID:             fmt.Sprintf("%s%d", PlaceholderIDPrefix, now.UnixNano()),
		ConversationID: conversationID,
		SenderType:     SenderAI,
		SenderName:     "AI",
		MessageType:    MessageTypeText,
		CreatedAt:      now.UTC(),
		Kind:           KindPlaceholder,
	}
}

// Attachment 描述消息附件。FileURL 在上传完成前可能是设备本地 URI。
type Attachment struct {
	ID         string    `json:"id"`
	FileName   string    `json:"file_name"`
	FileType   string    `json:"file_type"`
	FileURL    string    `json:"file_url"`
	MimeType   string    `json:"mime_type"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// IsLocal 报告附件地址是否为尚未上传的本地 URI（file: 或 content:）。
func (a Attachment) IsLocal() bool {
	return IsLocalURI(a.FileURL)
}

// IsLocalURI 判断 URI 是否指向设备本地文件。
func IsLocalURI(uri string) bool {
	lower := strings.ToLower(strings.TrimSpace(uri))
	return strings.HasPrefix(lower, "file:") || strings.HasPrefix(lower, "content:")
}

// AIData 是 AI 消息附带的结构化结果，由 metadata 字段归一化而来。
type AIData struct {
	SQL       string `json:"sql,omitempty"`
	Results   any    `json:"results,omitempty"`
	ExportURL string `json:"export_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Empty 报告是否没有任何有效字段。
func (d *AIData) Empty() bool {
	return d == nil || (d.SQL == "" && d.Results == nil && d.ExportURL == "" && d.Error == "")
}
