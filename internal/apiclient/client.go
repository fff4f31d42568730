// Package apiclient 封装聊天后端的 REST 接口。
package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/endpoint"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

// ErrUnreadableFile 表示本地文件无法打开用于上传。
var ErrUnreadableFile = errors.New("local file is not readable")

// StatusError 是非 2xx 响应。
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("chat api error (%d): %s", e.Status, body)
}

// IsStatus 判断 err 是否为指定状态码的 StatusError。
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// Opener 打开本地文件 URI 用于上传。
type Opener func(uri string) (io.ReadCloser, error)

// Client REST 客户端。
type Client struct {
	http *resty.Client
	open Opener
	log  zerolog.Logger
}

// Option 配置 Client。
type Option func(*Client)

// WithOpener 替换本地文件读取方式。
func WithOpener(open Opener) Option {
	return func(c *Client) { c.open = open }
}

// WithTimeout 设置单次请求超时，非正值不生效。默认不设超时。
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.http.SetTimeout(timeout)
		}
	}
}

// New 创建客户端，每个请求都会带上鉴权头。
func New(endpoints endpoint.Endpoints, token string, log zerolog.Logger, opts ...Option) *Client {
	httpClient := resty.New().
		SetBaseURL(endpoints.APIBase).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "z-tavern-chatsync/1.0")
	for key, values := range endpoint.AuthHeaders(token) {
		for _, v := range values {
			httpClient.SetHeader(key, v)
		}
	}

	c := &Client{
		http: httpClient,
		open: OpenLocalFile,
		log:  log.With().Str("component", "apiclient").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListConversations 获取会话列表。
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(endpoint.ConversationsPath())
	if err := checkResponse(resp, err, "list conversations"); err != nil {
		return nil, err
	}
	return chat.DecodeConversations(resp.Body())
}

// CreateConversationRequest 创建会话的请求体。
type CreateConversationRequest struct {
	Subject          string                `json:"subject"`
	Content          string                `json:"content"`
	ConversationType chat.ConversationType `json:"conversation_type"`
}

// CreateConversation 创建会话，content 作为首条消息。
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (chat.Conversation, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(endpoint.ConversationsPath())
	if err := checkResponse(resp, err, "create conversation"); err != nil {
		return chat.Conversation{}, err
	}
	return chat.DecodeConversation(resp.Body())
}

// FetchMessages 获取会话的完整历史。无法识别的单条消息被跳过并记录告警。
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(endpoint.MessagesPath(conversationID))
	if err := checkResponse(resp, err, "fetch messages"); err != nil {
		return nil, err
	}

	messages, skipped, err := chat.DecodeMessages(resp.Body())
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		c.log.Warn().
			Str("conversation_id", conversationID).
			Int("skipped", skipped).
			Msg("skipped malformed messages in history")
	}
	return messages, nil
}

type sendMessageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

// SendMessage 通过 HTTP 发送消息并返回服务端确认的消息。
func (c *Client) SendMessage(ctx context.Context, conversationID, content, messageType string) (chat.Message, error) {
	if messageType == "" {
		messageType = chat.MessageTypeText
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(sendMessageRequest{Content: content, MessageType: messageType}).
		Post(endpoint.MessagesPath(conversationID))
	if err := checkResponse(resp, err, "send message"); err != nil {
		return chat.Message{}, err
	}

	msg, err := chat.DecodeMessage(resp.Body())
	if err != nil {
		return chat.Message{}, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	return msg, nil
}

// UploadAttachment 以 multipart 上传单个文件并关联到消息。
func (c *Client) UploadAttachment(ctx context.Context, messageID string, file chat.LocalFile) (chat.Attachment, error) {
	reader, err := c.open(file.URI)
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("%w: %s: %v", ErrUnreadableFile, file.Name, err)
	}
	defer reader.Close()

	name := file.Name
	if name == "" {
		name = "attachment"
	}
	contentType := file.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req := c.http.R().
		SetContext(ctx).
		SetMultipartField("file", name, contentType, reader).
		SetFormData(map[string]string{"message_id": messageID})
	resp, err := req.Post(endpoint.UploadPath())
	if err := checkResponse(resp, err, "upload attachment"); err != nil {
		return chat.Attachment{}, err
	}
	return chat.DecodeAttachment(resp.Body())
}

func checkResponse(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: %w", op, &StatusError{Status: resp.StatusCode(), Body: resp.String()})
	}
	return nil
}

// OpenLocalFile 打开 file: URI 或普通路径。content: URI 只能由宿主平台解析。
func OpenLocalFile(uri string) (io.ReadCloser, error) {
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "content:"):
		return nil, fmt.Errorf("unsupported uri scheme: %s", uri)
	case strings.HasPrefix(lower, "file:"):
		parsed, err := url.Parse(uri)
		if err != nil {
			return nil, err
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Opaque
		}
		return os.Open(path)
	default:
		return os.Open(uri)
	}
}
