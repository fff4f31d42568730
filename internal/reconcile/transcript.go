package reconcile

import (
	"sync"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

// Transcript 独占当前会话的消息列表，所有写入都经由 Merge 串行化。
type Transcript struct {
	mu       sync.Mutex
	messages []chat.Message
	seq      uint64

	notifyMu  sync.Mutex
	delivered uint64
	onChange  func([]chat.Message)
}

// NewTranscript 创建空转录。onChange 在每次实际变化后以快照调用，可为 nil。
func NewTranscript(onChange func([]chat.Message)) *Transcript {
	return &Transcript{
		messages: make([]chat.Message, 0, 32),
		onChange: onChange,
	}
}

// Apply 合并单条消息。
func (t *Transcript) Apply(msg chat.Message) Result {
	t.mu.Lock()
	next, result := Merge(t.messages, msg)
	if result.Changed() {
		t.messages = next
	}
	snap := t.snapshotLocked(result.Changed())
	t.mu.Unlock()

	t.notify(snap)
	return result
}

// ApplyAll 合并一批消息。
func (t *Transcript) ApplyAll(batch []chat.Message) BatchResult {
	t.mu.Lock()
	next, result := MergeAll(t.messages, batch)
	if result.Changed() {
		t.messages = next
	}
	snap := t.snapshotLocked(result.Changed())
	t.mu.Unlock()

	t.notify(snap)
	return result
}

// Retract 撤回尚未确认的消息（乐观回显或占位）。已确认消息不可撤回。
func (t *Transcript) Retract(id string) bool {
	t.mu.Lock()
	removed := false
	for i := range t.messages {
		m := t.messages[i]
		if m.ID == id && !m.IsFinal() {
			t.messages = append(t.messages[:i:i], t.messages[i+1:]...)
			removed = true
			break
		}
	}
	snap := t.snapshotLocked(removed)
	t.mu.Unlock()

	t.notify(snap)
	return removed
}

// RetractPlaceholders 移除所有思考占位。
func (t *Transcript) RetractPlaceholders() int {
	t.mu.Lock()
	next := make([]chat.Message, len(t.messages))
	copy(next, t.messages)
	next, evicted := evictPlaceholders(next)
	if evicted > 0 {
		t.messages = next
	}
	snap := t.snapshotLocked(evicted > 0)
	t.mu.Unlock()

	t.notify(snap)
	return evicted
}

// Snapshot 返回当前消息的拷贝。
func (t *Transcript) Snapshot() []chat.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyLocked()
}

// Len 返回消息条数。
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Reset 丢弃全部消息。
func (t *Transcript) Reset() {
	t.mu.Lock()
	changed := len(t.messages) > 0
	t.messages = make([]chat.Message, 0, 32)
	snap := t.snapshotLocked(changed)
	t.mu.Unlock()

	t.notify(snap)
}

func (t *Transcript) snapshotLocked(changed bool) snapshot {
	if !changed {
		return snapshot{}
	}
	t.seq++
	return snapshot{seq: t.seq, messages: t.copyLocked()}
}

func (t *Transcript) copyLocked() []chat.Message {
	out := make([]chat.Message, len(t.messages))
	for i := range t.messages {
		out[i] = t.messages[i].Clone()
	}
	return out
}

type snapshot struct {
	seq      uint64
	messages []chat.Message
}

// notify 按序号投递快照，并发写入时较旧的快照会被丢弃。
func (t *Transcript) notify(s snapshot) {
	if s.seq == 0 || t.onChange == nil {
		return
	}
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	if s.seq <= t.delivered {
		return
	}
	t.delivered = s.seq
	t.onChange(s.messages)
}
