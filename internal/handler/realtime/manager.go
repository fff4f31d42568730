package realtime

import (
	"sync"
)

// ConnectionManager 按会话管理 WebSocket 客户端
type ConnectionManager struct {
	clients map[string]map[*client]struct{}
	mu      sync.RWMutex
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		clients: make(map[string]map[*client]struct{}),
	}
}

// add 添加连接
func (cm *ConnectionManager) add(c *client) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.clients[c.conversationID] == nil {
		cm.clients[c.conversationID] = make(map[*client]struct{})
	}
	cm.clients[c.conversationID][c] = struct{}{}
}

// remove 移除连接
func (cm *ConnectionManager) remove(c *client) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	set := cm.clients[c.conversationID]
	delete(set, c)
	if len(set) == 0 {
		delete(cm.clients, c.conversationID)
	}
}

// Count 返回会话当前的连接数
func (cm *ConnectionManager) Count(conversationID string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.clients[conversationID])
}

// CloseAll 关闭所有连接
func (cm *ConnectionManager) CloseAll() {
	cm.mu.Lock()
	all := make([]*client, 0)
	for id, set := range cm.clients {
		for c := range set {
			all = append(all, c)
		}
		delete(cm.clients, id)
	}
	cm.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}
