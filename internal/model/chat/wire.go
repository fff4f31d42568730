package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedMessage 表示服务端返回的消息结构无法识别。
var ErrMalformedMessage = errors.New("malformed message payload")

// FlexID 兼容数字与字符串两种形式的 ID。
type FlexID string

// UnmarshalJSON 接受 "m1"、42 与 null。
func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = FlexID(n.String())
	return nil
}

// FlexTime 兼容空串与 null 的时间戳。
type FlexTime struct {
	time.Time
}

// UnmarshalJSON 解析 RFC3339 时间，空值保持零值。
func (t *FlexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON 零值输出 null。
func (t FlexTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// WireAttachment 是附件在 REST/WebSocket 上的形态。
type WireAttachment struct {
	ID         FlexID   `json:"id"`
	FileName   string   `json:"file_name"`
	FileType   string   `json:"file_type"`
	FileURL    string   `json:"file_url"`
	MimeType   string   `json:"mime_type"`
	UploadedAt FlexTime `json:"uploaded_at"`
}

// WireMessage 是消息在 REST/WebSocket 上的形态。WebSocket 推送使用 metadata，
// REST 可能携带 ai_data，两者都会被归一化为 AIData。
type WireMessage struct {
	ID             FlexID           `json:"id"`
	ConversationID FlexID           `json:"conversation_id,omitempty"`
	Conversation   FlexID           `json:"conversation,omitempty"`
	SenderType     string           `json:"sender_type"`
	SenderName     string           `json:"sender_name"`
	Content        string           `json:"content"`
	MessageType    string           `json:"message_type"`
	CreatedAt      FlexTime         `json:"created_at"`
	IsRead         bool             `json:"is_read"`
	Attachments    []WireAttachment `json:"attachments"`
	AIData         json.RawMessage  `json:"ai_data,omitempty"`
	Metadata       json.RawMessage  `json:"metadata,omitempty"`
}

// DecodeMessage 解析单条消息并完成归一化。
func DecodeMessage(raw []byte) (Message, error) {
	var wire WireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return wire.Normalize()
}

// DecodeMessages 解析消息列表，兼容裸数组与 {results: [...]}/{messages: [...]} 分页结构。
// 单条无法识别的消息会被跳过并计入 skipped。
func DecodeMessages(raw []byte) (messages []Message, skipped int, err error) {
	items, err := decodeList(raw, "results", "messages")
	if err != nil {
		return nil, 0, err
	}

	messages = make([]Message, 0, len(items))
	for _, item := range items {
		msg, decodeErr := DecodeMessage(item)
		if decodeErr != nil {
			skipped++
			continue
		}
		messages = append(messages, msg)
	}
	return messages, skipped, nil
}

// DecodeConversations 解析会话列表。
func DecodeConversations(raw []byte) ([]Conversation, error) {
	items, err := decodeList(raw, "results", "conversations")
	if err != nil {
		return nil, err
	}

	conversations := make([]Conversation, 0, len(items))
	for _, item := range items {
		conv, err := DecodeConversation(item)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

// WireConversation 是会话在 REST 上的形态。
type WireConversation struct {
	ID               FlexID   `json:"id"`
	Subject          string   `json:"subject"`
	Status           string   `json:"status"`
	ConversationType string   `json:"conversation_type"`
	MessageCount     int      `json:"message_count"`
	CreatedAt        FlexTime `json:"created_at"`
	LastMessageAt    FlexTime `json:"last_message_at"`
}

// DecodeConversation 解析单个会话。
func DecodeConversation(raw []byte) (Conversation, error) {
	var wire WireConversation
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Conversation{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if wire.ID == "" {
		return Conversation{}, fmt.Errorf("%w: conversation without id", ErrMalformedMessage)
	}

	conv := Conversation{
		ID:               string(wire.ID),
		Subject:          wire.Subject,
		Status:           ConversationStatus(wire.Status),
		ConversationType: ConversationType(wire.ConversationType),
		MessageCount:     wire.MessageCount,
		CreatedAt:        wire.CreatedAt.Time,
	}
	if conv.ConversationType == "" {
		conv.ConversationType = ConversationSupport
	}
	if !wire.LastMessageAt.IsZero() {
		t := wire.LastMessageAt.Time
		conv.LastMessageAt = &t
	}
	return conv, nil
}

// Normalize 转换为领域消息。
func (w WireMessage) Normalize() (Message, error) {
	if w.ID == "" {
		return Message{}, fmt.Errorf("%w: message without id", ErrMalformedMessage)
	}

	conversationID := string(w.ConversationID)
	if conversationID == "" {
		conversationID = string(w.Conversation)
	}

	msg := Message{
		ID:             string(w.ID),
		ConversationID: conversationID,
		SenderType:     SenderType(strings.ToLower(strings.TrimSpace(w.SenderType))),
		SenderName:     w.SenderName,
		Content:        w.Content,
		MessageType:    w.MessageType,
		CreatedAt:      w.CreatedAt.Time,
		IsRead:         w.IsRead,
		Kind:           KindConfirmed,
	}
	if msg.MessageType == "" {
		msg.MessageType = MessageTypeText
	}

	if len(w.Attachments) > 0 {
		msg.Attachments = make([]Attachment, 0, len(w.Attachments))
		for _, a := range w.Attachments {
			msg.Attachments = append(msg.Attachments, a.Normalize())
		}
	}

	msg.AIData = normalizeAIData(w.Metadata)
	if msg.AIData == nil {
		msg.AIData = normalizeAIData(w.AIData)
	}
	return msg, nil
}

// ToWire 生成服务端推送使用的结构，AIData 写入 metadata。
func ToWire(m Message) WireMessage {
	wire := WireMessage{
		ID:             FlexID(m.ID),
		ConversationID: FlexID(m.ConversationID),
		SenderType:     string(m.SenderType),
		SenderName:     m.SenderName,
		Content:        m.Content,
		MessageType:    m.MessageType,
		CreatedAt:      FlexTime{Time: m.CreatedAt},
		IsRead:         m.IsRead,
		Attachments:    make([]WireAttachment, 0, len(m.Attachments)),
	}
	for _, a := range m.Attachments {
		wire.Attachments = append(wire.Attachments, ToWireAttachment(a))
	}
	if !m.AIData.Empty() {
		if raw, err := json.Marshal(m.AIData); err == nil {
			wire.Metadata = raw
		}
	}
	return wire
}

// Normalize 转换为领域附件。
func (a WireAttachment) Normalize() Attachment {
	return Attachment{
		ID:         string(a.ID),
		FileName:   a.FileName,
		FileType:   a.FileType,
		FileURL:    a.FileURL,
		MimeType:   a.MimeType,
		UploadedAt: a.UploadedAt.Time,
	}
}

// DecodeAttachment 解析上传接口返回的附件。
func DecodeAttachment(raw []byte) (Attachment, error) {
	var wire WireAttachment
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Attachment{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if wire.FileURL == "" {
		return Attachment{}, fmt.Errorf("%w: attachment without file_url", ErrMalformedMessage)
	}
	return wire.Normalize(), nil
}

// ToWireAttachment 生成附件的线上形态。
func ToWireAttachment(a Attachment) WireAttachment {
	return WireAttachment{
		ID:         FlexID(a.ID),
		FileName:   a.FileName,
		FileType:   a.FileType,
		FileURL:    a.FileURL,
		MimeType:   a.MimeType,
		UploadedAt: FlexTime{Time: a.UploadedAt},
	}
}

// ToWireConversation 生成会话的线上形态。
func ToWireConversation(c Conversation) WireConversation {
	wire := WireConversation{
		ID:               FlexID(c.ID),
		Subject:          c.Subject,
		Status:           string(c.Status),
		ConversationType: string(c.ConversationType),
		MessageCount:     c.MessageCount,
		CreatedAt:        FlexTime{Time: c.CreatedAt},
	}
	if c.LastMessageAt != nil {
		wire.LastMessageAt = FlexTime{Time: *c.LastMessageAt}
	}
	return wire
}

// MarshalJSON 让 FlexID 始终以字符串输出。
func (id FlexID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

func normalizeAIData(raw json.RawMessage) *AIData {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}

	data := &AIData{
		SQL:       stringField(fields, "sql"),
		Results:   fields["results"],
		ExportURL: stringField(fields, "export_url", "exportUrl"),
		Error:     stringField(fields, "error"),
	}
	if data.Empty() {
		return nil
	}
	return data
}

func stringField(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func decodeList(raw []byte, keys ...string) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedMessage)
	}

	if raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return items, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	for _, key := range keys {
		inner, ok := envelope[key]
		if !ok {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(inner, &items); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, key, err)
		}
		return items, nil
	}
	return nil, fmt.Errorf("%w: no list field in response", ErrMalformedMessage)
}
