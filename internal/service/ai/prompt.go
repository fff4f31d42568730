package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

// PromptTemplate 描述助手的系统提示结构。
type PromptTemplate struct {
	SystemPrompt string
	ContextRules []string
}

func defaultTemplate() PromptTemplate {
	return PromptTemplate{
		SystemPrompt: "你是在线客服组件中的数据助手，负责回答用户关于订单、库存与账单的问题。",
		ContextRules: []string{
			"回答使用与用户相同的语言，保持简洁",
			"需要查询数据时，在 ```sql 代码块中给出一条只读的 SQL 语句",
			"不知道答案时直接说明，并建议转人工客服",
		},
	}
}

// BuildSystemPrompt 为会话生成系统提示。
func BuildSystemPrompt(conv chat.Conversation) string {
	tpl := defaultTemplate()

	var b strings.Builder
	b.WriteString(tpl.SystemPrompt)
	if conv.Subject != "" {
		b.WriteString(fmt.Sprintf("\n\n当前会话主题：%s", conv.Subject))
	}
	b.WriteString("\n\n回复规则：")
	for _, rule := range tpl.ContextRules {
		b.WriteString("\n- ")
		b.WriteString(rule)
	}
	return b.String()
}

// ExtractSQL 取出回复中第一个 ```sql 代码块。
func ExtractSQL(content string) string {
	const fence = "```"
	start := strings.Index(content, fence+"sql")
	if start < 0 {
		return ""
	}
	body := content[start+len(fence)+3:]
	end := strings.Index(body, fence)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(body[:end])
}
