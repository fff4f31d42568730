package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/config"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

// historyLimit 送入模型的最近消息条数。
const historyLimit = 10

// Reply 生成的 AI 回复。
type Reply struct {
	Content string
	Data    *chat.AIData
}

// Generator 根据会话历史生成回复。
type Generator interface {
	Generate(ctx context.Context, conv chat.Conversation, history []chat.Message, query string) (Reply, error)
}

// Service 使用 eino chain 调用大模型生成回复。
type Service struct {
	chain compose.Runnable[map[string]any, *schema.Message]
	log   zerolog.Logger
}

// NewService creates a new AI service instance
func NewService(ctx context.Context, cfg config.AIConfig, log zerolog.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chain: runnable,
		log:   log.With().Str("component", "ai").Logger(),
	}, nil
}

// Generate 调用模型，回复中的 ```sql 代码块写入 AIData。
func (s *Service) Generate(ctx context.Context, conv chat.Conversation, history []chat.Message, query string) (Reply, error) {
	input := map[string]any{
		"system":  BuildSystemPrompt(conv),
		"history": buildHistoryMessages(history),
		"query":   query,
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to run AI chain: %w", err)
	}

	s.log.Debug().
		Str("conversation_id", conv.ID).
		Int("length", len(response.Content)).
		Msg("generated response")

	reply := Reply{Content: response.Content}
	if sql := ExtractSQL(response.Content); sql != "" {
		reply.Data = &chat.AIData{SQL: sql}
	}
	return reply, nil
}

func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch {
		case msg.SenderType == chat.SenderClient:
			history = append(history, schema.UserMessage(msg.Content))
		case msg.SenderType.IsAI():
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}

	return history
}

// Canned 不依赖模型的确定性回复，用于未配置凭证的本地开发与测试。
type Canned struct{}

// Generate 返回固定格式的回复与结构化结果。
func (Canned) Generate(_ context.Context, conv chat.Conversation, history []chat.Message, query string) (Reply, error) {
	clientTurns := 0
	for _, m := range history {
		if m.SenderType == chat.SenderClient {
			clientTurns++
		}
	}

	return Reply{
		Content: fmt.Sprintf("已收到你的问题：%s", query),
		Data: &chat.AIData{
			SQL: fmt.Sprintf("SELECT COUNT(*) AS total FROM messages WHERE conversation_id = '%s' AND sender_type = 'client'", conv.ID),
			Results: []map[string]any{
				{"total": clientTurns},
			},
		},
	}, nil
}
