package widget

import (
	"context"
	"sync/atomic"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/reconcile"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/aiwait"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/transport"
)

// session 是某个选中会话的全部资源。释放后 ctx 被取消，所有回调随之失效。
type session struct {
	conv       chat.Conversation
	ctx        context.Context
	cancel     context.CancelFunc
	transcript *reconcile.Transcript
	wait       *aiwait.Machine
	conn       transport.Conn

	connected atomic.Bool
}

func (s *session) alive() bool {
	return s.ctx.Err() == nil
}

// acquire 为会话建立新 session 并替换当前 session，随后加载历史。
// awaitAI 为 true 时在打开连接之前进入等待，先于等待到达的回复不会被漏掉。
// 历史加载失败时 session 仍然有效，错误原样返回。
func (w *Widget) acquire(ctx context.Context, conv chat.Conversation, awaitAI bool) (*session, error) {
	sessCtx, cancel := context.WithCancel(w.ctx)
	sess := &session{
		conv:   conv,
		ctx:    sessCtx,
		cancel: cancel,
	}
	sess.transcript = reconcile.NewTranscript(func([]chat.Message) {
		if sess.alive() {
			w.changed()
		}
	})
	sess.wait = aiwait.New(w.opts.Wait, aiwait.Actions{
		InsertPlaceholder: func() {
			if sess.alive() {
				sess.transcript.Apply(chat.NewPlaceholder(conv.ID, w.opts.Now()))
			}
		},
		ClearPlaceholder: func() {
			sess.transcript.RetractPlaceholders()
		},
		Poll: func(ctx context.Context) (reconcile.BatchResult, error) {
			messages, err := w.api.FetchMessages(ctx, conv.ID)
			if err != nil || !sess.alive() {
				return reconcile.BatchResult{}, err
			}
			return sess.transcript.ApplyAll(messages), nil
		},
		OnChange: func(aiwait.State) {
			if sess.alive() {
				w.changed()
			}
		},
	}, w.log)
	if awaitAI {
		sess.wait.Begin(sessCtx)
	}

	sess.conn = w.dialer.Open(sessCtx, conv.ID, transport.Hooks{
		OnStatus: func(connected bool) {
			if !sess.alive() {
				return
			}
			sess.connected.Store(connected)
			w.changed()
		},
		OnMessage: func(msg chat.Message) {
			if !sess.alive() {
				return
			}
			if msg.ConversationID != "" && msg.ConversationID != conv.ID {
				w.log.Debug().Str("conversation_id", conv.ID).Str("message_conversation_id", msg.ConversationID).Msg("dropping message for another conversation")
				return
			}
			if msg.ConversationID == "" {
				msg.ConversationID = conv.ID
			}
			sess.wait.Observe(sess.transcript.Apply(msg))
		},
		OnError: func(err error) {
			if sess.alive() {
				w.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("socket error")
			}
		},
	})

	if old := w.current.Swap(sess); old != nil {
		w.release(old)
	}
	if w.closed.Load() {
		if w.current.CompareAndSwap(sess, nil) {
			w.release(sess)
		}
		return sess, ErrClosed
	}
	w.changed()

	w.log.Debug().Str("conversation_id", conv.ID).Str("type", string(conv.ConversationType)).Msg("session acquired")
	_, err := w.loadHistory(ctx, sess)
	if err != nil {
		w.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("history load failed")
	}
	return sess, err
}

// release 按顺序关闭 session：取消回调、停止等待、关闭连接、丢弃转录、清空暂存。
// 不得在持锁时调用，Stop 会等待进行中的轮询返回。
func (w *Widget) release(sess *session) {
	sess.cancel()
	sess.wait.Stop()
	if sess.conn != nil {
		if err := sess.conn.Close(); err != nil {
			w.log.Debug().Err(err).Str("conversation_id", sess.conv.ID).Msg("socket close")
		}
	}
	sess.transcript.Reset()
	w.staging.Clear()
	w.changed()
	w.log.Debug().Str("conversation_id", sess.conv.ID).Msg("session released")
}
