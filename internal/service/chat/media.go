package chat

import (
	"errors"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrMediaNotFound 表示请求的文件不存在。
var ErrMediaNotFound = errors.New("media not found")

// Media 已上传文件。
type Media struct {
	Name     string
	MimeType string
	Data     []byte
}

// MediaStore 内存文件存储，文件地址形如 {base}/media/attachments/<uuid>/<name>。
type MediaStore struct {
	mu    sync.RWMutex
	base  string
	files map[string]Media
}

// NewMediaStore 创建存储，base 为空时返回相对地址。
func NewMediaStore(base string) *MediaStore {
	return &MediaStore{
		base:  strings.TrimRight(base, "/"),
		files: make(map[string]Media),
	}
}

// Put 保存文件并返回可访问的地址。
func (m *MediaStore) Put(name, mimeType string, data []byte) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	key := uuid.NewString()

	m.mu.Lock()
	m.files[key] = Media{Name: name, MimeType: mimeType, Data: data}
	m.mu.Unlock()

	return m.base + "/media/attachments/" + key + "/" + url.PathEscape(name)
}

// Get 按 key 读取文件。
func (m *MediaStore) Get(key string) (Media, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[key]
	if !ok {
		return Media{}, ErrMediaNotFound
	}
	return f, nil
}
