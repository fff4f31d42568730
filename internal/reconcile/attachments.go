package reconcile

import "github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"

// supersedes 判断 incoming 的附件是否比 existing 带来了新信息。
// 本地 URI 永远不会取代已经是服务端地址的同一附件槽位。
func supersedes(existing, incoming []chat.Attachment) bool {
	if len(incoming) == 0 {
		return false
	}
	if len(existing) == 0 {
		return true
	}

	for i, n := range incoming {
		e, ok := slotFor(existing, n, i)
		if !ok {
			return true
		}
		if e.FileURL == n.FileURL {
			continue
		}
		if n.IsLocal() && !e.IsLocal() {
			continue
		}
		return true
	}
	return false
}

// mergeAttachments 以 incoming 为准逐槽位合并，保留已确认的服务端地址。
func mergeAttachments(existing, incoming []chat.Attachment) []chat.Attachment {
	merged := make([]chat.Attachment, 0, max(len(existing), len(incoming)))
	used := make([]bool, len(existing))

	for i, n := range incoming {
		idx := slotIndex(existing, n, i)
		if idx >= 0 {
			used[idx] = true
			if n.IsLocal() && !existing[idx].IsLocal() {
				merged = append(merged, existing[idx])
				continue
			}
		}
		merged = append(merged, n)
	}

	for i, e := range existing {
		if !used[i] && !e.IsLocal() {
			merged = append(merged, e)
		}
	}
	return merged
}

func slotFor(existing []chat.Attachment, n chat.Attachment, pos int) (chat.Attachment, bool) {
	idx := slotIndex(existing, n, pos)
	if idx < 0 {
		return chat.Attachment{}, false
	}
	return existing[idx], true
}

// slotIndex 优先按附件 ID 对齐，否则按位置对齐。
func slotIndex(existing []chat.Attachment, n chat.Attachment, pos int) int {
	if n.ID != "" {
		for i := range existing {
			if existing[i].ID == n.ID {
				return i
			}
		}
	}
	if pos < len(existing) {
		return pos
	}
	return -1
}
