// Package reconcile 将乐观回显、WebSocket 推送与轮询结果合并为单一有序转录。
package reconcile

import (
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

// Outcome 描述一次合并对转录的影响。
type Outcome int

const (
	// Unchanged 重复投递，转录不变。
	Unchanged Outcome = iota
	// Appended 新消息追加到末尾。
	Appended
	// UpgradedOptimistic 乐观回显被服务端版本原位替换。
	UpgradedOptimistic
	// Upgraded 同 ID 消息因附件信息更完整而被替换。
	Upgraded
	// PlaceholderSet 插入或替换了思考占位。
	PlaceholderSet
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Appended:
		return "appended"
	case UpgradedOptimistic:
		return "upgraded_optimistic"
	case Upgraded:
		return "upgraded"
	case PlaceholderSet:
		return "placeholder"
	default:
		return "unknown"
	}
}

// Result 是 Merge 的附加信息。
type Result struct {
	Outcome Outcome
	Index   int
	Evicted int
	// FreshAI 表示本次合并带来了一条此前不在转录中的 AI 回复。
	FreshAI bool
}

// Changed 报告转录是否发生变化。
func (r Result) Changed() bool {
	return r.Outcome != Unchanged || r.Evicted > 0
}

// Merge 把 incoming 合并进 transcript 并返回新转录，不修改入参。
//
// 优先级：
//  1. 新到达的 AI 回复移除所有思考占位；
//  2. 客户端消息原位升级内容相同的乐观回显；
//  3. 同 ID 消息仅在附件信息更完整时替换，否则视为重复；
//  4. 其余按到达顺序追加。
func Merge(transcript []chat.Message, incoming chat.Message) ([]chat.Message, Result) {
	next := make([]chat.Message, len(transcript), len(transcript)+1)
	copy(next, transcript)

	if incoming.IsOptimistic() {
		next = append(next, incoming.Clone())
		return next, Result{Outcome: Appended, Index: len(next) - 1}
	}
	if incoming.IsPlaceholder() {
		return setPlaceholder(next, incoming)
	}

	existing := indexOfID(next, incoming.ID)
	var result Result

	if incoming.SenderType.IsAI() && existing < 0 {
		next, result.Evicted = evictPlaceholders(next)
		result.FreshAI = true
	}

	if incoming.SenderType == chat.SenderClient && existing < 0 {
		if idx := indexOfOptimistic(next, incoming.Content); idx >= 0 {
			upgraded := incoming.Clone()
			if len(upgraded.Attachments) == 0 && len(next[idx].Attachments) > 0 {
				upgraded.Attachments = append([]chat.Attachment(nil), next[idx].Attachments...)
			}
			next[idx] = upgraded
			result.Outcome = UpgradedOptimistic
			result.Index = idx
			return next, result
		}
	}

	if existing >= 0 {
		current := next[existing]
		if !supersedes(current.Attachments, incoming.Attachments) {
			result.Outcome = Unchanged
			result.Index = existing
			return next, result
		}
		upgraded := incoming.Clone()
		upgraded.Attachments = mergeAttachments(current.Attachments, incoming.Attachments)
		if upgraded.AIData == nil && current.AIData != nil {
			upgraded.AIData = current.Clone().AIData
		}
		next[existing] = upgraded
		result.Outcome = Upgraded
		result.Index = existing
		return next, result
	}

	next = append(next, incoming.Clone())
	result.Outcome = Appended
	result.Index = len(next) - 1
	return next, result
}

// MergeAll 依次合并一批消息（历史加载或轮询结果）。批次比当前转录短时不会删除任何消息。
func MergeAll(transcript []chat.Message, batch []chat.Message) ([]chat.Message, BatchResult) {
	out := transcript
	var summary BatchResult
	for _, msg := range batch {
		var r Result
		out, r = Merge(out, msg)
		summary.add(r)
	}
	if out == nil {
		out = []chat.Message{}
	}
	return out, summary
}

// BatchResult 汇总一批合并的结果。
type BatchResult struct {
	Appended int
	Upgraded int
	Evicted  int
	FreshAI  bool
}

// Changed 报告批次是否改变了转录。
func (b BatchResult) Changed() bool {
	return b.Appended > 0 || b.Upgraded > 0 || b.Evicted > 0
}

func (b *BatchResult) add(r Result) {
	switch r.Outcome {
	case Appended, PlaceholderSet:
		b.Appended++
	case Upgraded, UpgradedOptimistic:
		b.Upgraded++
	}
	b.Evicted += r.Evicted
	b.FreshAI = b.FreshAI || r.FreshAI
}

// setPlaceholder 保证转录中至多一个思考占位。
func setPlaceholder(next []chat.Message, placeholder chat.Message) ([]chat.Message, Result) {
	for i := range next {
		if next[i].IsPlaceholder() {
			next[i] = placeholder.Clone()
			return next, Result{Outcome: PlaceholderSet, Index: i}
		}
	}
	next = append(next, placeholder.Clone())
	return next, Result{Outcome: PlaceholderSet, Index: len(next) - 1}
}

func evictPlaceholders(messages []chat.Message) ([]chat.Message, int) {
	kept := messages[:0]
	evicted := 0
	for _, m := range messages {
		if m.IsPlaceholder() {
			evicted++
			continue
		}
		kept = append(kept, m)
	}
	return kept, evicted
}

func indexOfID(messages []chat.Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range messages {
		if messages[i].ID == id && messages[i].IsFinal() {
			return i
		}
	}
	return -1
}

func indexOfOptimistic(messages []chat.Message, content string) int {
	for i := range messages {
		m := messages[i]
		if m.IsOptimistic() && m.SenderType == chat.SenderClient && m.Content == content {
			return i
		}
	}
	return -1
}
