package chat

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/pkg/utils"
)

// heartbeatInterval SSE 心跳间隔。
var heartbeatInterval = 15 * time.Second

// handleEventStream 以 SSE 推送会话的新消息，事件名为 chat_message。
// 供无法使用 WebSocket 的调试工具订阅。
func (h *Handler) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if _, err := h.chatSvc.GetConversation(r.Context(), conversationID); err != nil {
		h.respondServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events := make(chan chat.Message, 32)
	cancel := h.chatSvc.Subscribe(conversationID, func(m chat.Message) {
		select {
		case events <- m:
		default:
			h.log.Warn().Str("conversation_id", conversationID).Msg("sse subscriber lagging, event dropped")
		}
	})
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	h.log.Debug().Str("conversation_id", conversationID).Msg("opening event stream")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Debug().Str("conversation_id", conversationID).Msg("closing event stream")
			return
		case m := <-events:
			if err := utils.SendSSEEvent(w, flusher, "chat_message", chat.ToWire(m)); err != nil {
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}
