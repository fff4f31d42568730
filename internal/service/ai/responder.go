package ai

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	chatservice "github.com/zhouzirui/z-tavern/chatsync/internal/service/chat"
)

// Responder 监听 AI 会话中的客户消息，延迟一段时间后写入 AI 回复。
type Responder struct {
	chatSvc   *chatservice.Service
	generator Generator
	delay     time.Duration
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   func()
}

// NewResponder 创建并启动 Responder。
func NewResponder(chatSvc *chatservice.Service, generator Generator, delay time.Duration, log zerolog.Logger) *Responder {
	if generator == nil {
		generator = Canned{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Responder{
		chatSvc:   chatSvc,
		generator: generator,
		delay:     delay,
		log:       log.With().Str("component", "responder").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
	r.stop = chatSvc.Subscribe("", r.onMessage)
	return r
}

// Close 停止监听并等待在途回复结束。
func (r *Responder) Close() {
	r.stop()
	r.cancel()
	r.wg.Wait()
}

func (r *Responder) onMessage(msg chat.Message) {
	// 附件更新也会重新推送同一条消息，只响应首次写入
	if msg.SenderType != chat.SenderClient || len(msg.Attachments) > 0 || r.ctx.Err() != nil {
		return
	}
	conv, err := r.chatSvc.GetConversation(r.ctx, msg.ConversationID)
	if err != nil || !conv.IsAI() {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reply(conv, msg)
	}()
}

func (r *Responder) reply(conv chat.Conversation, msg chat.Message) {
	timer := time.NewTimer(r.delay)
	defer timer.Stop()
	select {
	case <-r.ctx.Done():
		return
	case <-timer.C:
	}

	history, err := r.chatSvc.LoadTranscript(r.ctx, conv.ID)
	if err != nil {
		r.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("load transcript failed")
		return
	}

	reply, err := r.generator.Generate(r.ctx, conv, history, msg.Content)
	if err != nil {
		r.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("generate reply failed")
		reply = Reply{
			Content: "抱歉，暂时无法回答这个问题。",
			Data:    &chat.AIData{Error: err.Error()},
		}
	}

	if _, err := r.chatSvc.PostMessage(r.ctx, chat.Message{
		ConversationID: conv.ID,
		SenderType:     chat.SenderAI,
		SenderName:     "AI",
		Content:        reply.Content,
		AIData:         reply.Data,
	}); err != nil {
		r.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("post reply failed")
	}
}
