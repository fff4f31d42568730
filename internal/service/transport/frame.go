package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

// FrameChatMessage 是聊天消息帧的 type 字段。
const FrameChatMessage = "chat_message"

var (
	// ErrMalformedFrame 帧不是 JSON 或缺少 message 字段。
	ErrMalformedFrame = errors.New("malformed socket frame")
	// ErrUnsupportedFrame 帧类型与转录无关。
	ErrUnsupportedFrame = errors.New("unsupported socket frame")
)

// ServerFrame 服务端推送帧：{type: "chat_message", message: {...}}。
type ServerFrame struct {
	Type    string           `json:"type"`
	Message *chat.WireMessage `json:"message,omitempty"`
}

// ClientFrame 客户端发送帧：{type: "chat_message", content, message_type}。
type ClientFrame struct {
	Type        string `json:"type"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

type inboundFrame struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// DecodeFrame 解析服务端推送帧并归一化其中的消息。
func DecodeFrame(data []byte) (chat.Message, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if frame.Type != "" && frame.Type != FrameChatMessage {
		return chat.Message{}, fmt.Errorf("%w: %s", ErrUnsupportedFrame, frame.Type)
	}

	raw := bytes.TrimSpace(frame.Message)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return chat.Message{}, fmt.Errorf("%w: missing message", ErrMalformedFrame)
	}

	msg, err := chat.DecodeMessage(raw)
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return msg, nil
}
