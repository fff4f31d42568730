package chat

import "time"

// ConversationType 区分 AI 会话与人工客服会话。
type ConversationType string

const (
	ConversationAI      ConversationType = "ai"
	ConversationSupport ConversationType = "support"
)

// Valid 报告类型是否可用于创建会话。
func (t ConversationType) Valid() bool {
	return t == ConversationAI || t == ConversationSupport
}

// ConversationStatus 会话状态。
type ConversationStatus string

const (
	StatusOpen     ConversationStatus = "open"
	StatusClosed   ConversationStatus = "closed"
	StatusResolved ConversationStatus = "resolved"
)

// Conversation 会话元信息。
type Conversation struct {
	ID               string             `json:"id"`
	Subject          string             `json:"subject"`
	Status           ConversationStatus `json:"status"`
	ConversationType ConversationType   `json:"conversation_type"`
	MessageCount     int                `json:"message_count"`
	CreatedAt        time.Time          `json:"created_at"`
	LastMessageAt    *time.Time         `json:"last_message_at,omitempty"`
}

// IsAI 报告是否为 AI 会话。
func (c Conversation) IsAI() bool {
	return c.ConversationType == ConversationAI
}

// LocalFile 是用户选取、尚未上传的本地文件。
type LocalFile struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// PendingAttachment 暂存区中的附件。
type PendingAttachment struct {
	ID      string    `json:"id"`
	File    LocalFile `json:"file"`
	Preview string    `json:"preview"`
}

// AsPreview 将暂存附件转换为乐观回显可用的本地附件。
func (p PendingAttachment) AsPreview() Attachment {
	return Attachment{
		ID:       p.ID,
		FileName: p.File.Name,
		FileType: fileTypeOf(p.File.Type),
		FileURL:  p.Preview,
		MimeType: p.File.Type,
	}
}

func fileTypeOf(mime string) string {
	switch {
	case len(mime) >= 6 && mime[:6] == "image/":
		return "image"
	case len(mime) >= 6 && mime[:6] == "audio/":
		return "audio"
	default:
		return "file"
	}
}
