package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/conversation"
	"github.com/zhouzirui/z-tavern/chatsync/internal/widget"
)

// renderer 只输出与上一次快照相比新增或变化的内容。
type renderer struct {
	out       io.Writer
	convID    string
	printed   map[string]string
	connected bool
	waiting   bool
	phase     conversation.Phase
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, printed: make(map[string]string)}
}

func (r *renderer) render(snap widget.Snapshot) {
	if snap.Phase != r.phase {
		r.phase = snap.Phase
		if snap.Phase == conversation.PhaseTypeSelection {
			fmt.Fprintln(r.out, "-- 请选择会话类型: /ai 或 /support")
		}
	}

	convID := ""
	if snap.Conversation != nil {
		convID = snap.Conversation.ID
	}
	if convID != r.convID {
		r.convID = convID
		r.printed = make(map[string]string)
		r.connected = false
		r.waiting = false
		if snap.Conversation != nil {
			fmt.Fprintf(r.out, "== %s [%s]\n", snap.Conversation.Subject, snap.Conversation.ConversationType)
		}
	}
	if snap.Conversation == nil {
		return
	}
	if snap.Connected != r.connected {
		r.connected = snap.Connected
		if snap.Connected {
			fmt.Fprintln(r.out, "-- 已连接")
		} else {
			fmt.Fprintln(r.out, "-- 连接已断开")
		}
	}

	for _, m := range snap.Messages {
		if m.IsPlaceholder() || m.IsOptimistic() {
			continue
		}
		line := formatMessage(m)
		if r.printed[m.ID] == line {
			continue
		}
		r.printed[m.ID] = line
		fmt.Fprintln(r.out, line)
	}
	if snap.Waiting && !r.waiting {
		fmt.Fprintln(r.out, "   AI 正在思考...")
	}
	r.waiting = snap.Waiting
}

func formatMessage(m chat.Message) string {
	var b strings.Builder
	who := m.SenderName
	if who == "" {
		who = string(m.SenderType)
	}
	fmt.Fprintf(&b, "%s> %s", who, m.Content)
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, "\n   [附件] %s %s", a.FileName, a.FileURL)
	}
	if d := m.AIData; !d.Empty() {
		if d.SQL != "" {
			fmt.Fprintf(&b, "\n   SQL: %s", d.SQL)
		}
		if d.ExportURL != "" {
			fmt.Fprintf(&b, "\n   导出: %s", d.ExportURL)
		}
		if d.Error != "" {
			fmt.Fprintf(&b, "\n   错误: %s", d.Error)
		}
	}
	return b.String()
}
