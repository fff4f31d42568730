// Package endpoint 根据本地保存的配置推导 REST 与 WebSocket 基础地址。
package endpoint

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrMissingAPIBase 表示没有可用的 REST 基础地址。
var ErrMissingAPIBase = errors.New("api base url is not configured")

// Endpoints 是解析后的地址集合，零状态、可并发使用。
type Endpoints struct {
	APIBase string
	WSBase  string
}

// Resolve 规范化 apiBase，并在 wsBase 为空时由 apiBase 推导：
// http→ws，https→wss，去掉末尾的 /api 路径段。
func Resolve(apiBase, wsBase string) (Endpoints, error) {
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return Endpoints{}, ErrMissingAPIBase
	}

	apiURL, err := url.Parse(apiBase)
	if err != nil {
		return Endpoints{}, fmt.Errorf("invalid api base url %q: %w", apiBase, err)
	}
	if apiURL.Scheme != "http" && apiURL.Scheme != "https" {
		return Endpoints{}, fmt.Errorf("invalid api base url %q: scheme must be http or https", apiBase)
	}
	if apiURL.Host == "" {
		return Endpoints{}, fmt.Errorf("invalid api base url %q: missing host", apiBase)
	}

	wsBase = strings.TrimRight(strings.TrimSpace(wsBase), "/")
	if wsBase == "" {
		wsBase = deriveWSBase(apiURL)
	} else {
		wsURL, err := url.Parse(wsBase)
		if err != nil {
			return Endpoints{}, fmt.Errorf("invalid websocket base url %q: %w", wsBase, err)
		}
		if wsURL.Scheme != "ws" && wsURL.Scheme != "wss" {
			return Endpoints{}, fmt.Errorf("invalid websocket base url %q: scheme must be ws or wss", wsBase)
		}
	}

	return Endpoints{APIBase: apiBase, WSBase: wsBase}, nil
}

func deriveWSBase(apiURL *url.URL) string {
	derived := *apiURL
	switch apiURL.Scheme {
	case "https":
		derived.Scheme = "wss"
	default:
		derived.Scheme = "ws"
	}

	path := strings.TrimRight(derived.Path, "/")
	path = strings.TrimSuffix(path, "/api")
	derived.Path = path
	derived.RawPath = ""
	derived.RawQuery = ""
	derived.Fragment = ""
	return strings.TrimRight(derived.String(), "/")
}

// ConversationsPath 会话列表/创建路径（相对 APIBase）。
func ConversationsPath() string {
	return "/chat/conversations/"
}

// MessagesPath 指定会话的消息路径。
func MessagesPath(conversationID string) string {
	return "/chat/conversations/" + url.PathEscape(conversationID) + "/messages/"
}

// UploadPath 附件上传路径。
func UploadPath() string {
	return "/chat/attachments/upload/"
}

// SocketURL 返回会话的 WebSocket 地址：{wsBase}/ws/chat/{conversationId}/。
func (e Endpoints) SocketURL(conversationID string) string {
	return e.WSBase + "/ws/chat/" + url.PathEscape(conversationID) + "/"
}

// URL 拼接 APIBase 与相对路径。
func (e Endpoints) URL(path string) string {
	return e.APIBase + path
}

// AuthHeaders 返回每个鉴权请求都要携带的请求头。
func AuthHeaders(token string) http.Header {
	header := http.Header{}
	if token == "" {
		return header
	}
	header.Set("access_token", token)
	header.Set("Authorization", "Bearer "+token)
	return header
}
