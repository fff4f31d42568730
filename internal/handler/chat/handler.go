package chat

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	chatService "github.com/zhouzirui/z-tavern/chatsync/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatsync/pkg/utils"
)

// maxUploadSize 单个附件上限。
const maxUploadSize = 20 << 20

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc    *chatService.Service
	media      *chatService.MediaStore
	senderName string
	log        zerolog.Logger
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, media *chatService.MediaStore, log zerolog.Logger) *Handler {
	return &Handler{
		chatSvc:    chatSvc,
		media:      media,
		senderName: "访客",
		log:        log.With().Str("component", "chat_handler").Logger(),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Get("/conversations/", h.handleListConversations)
		r.Post("/conversations/", h.handleCreateConversation)
		r.Get("/conversations/{conversationID}/messages/", h.handleListMessages)
		r.Post("/conversations/{conversationID}/messages/", h.handlePostMessage)
		r.Get("/conversations/{conversationID}/events/", h.handleEventStream)
		r.Post("/attachments/upload/", h.handleUpload)
	})
}

// RegisterMediaRoutes 注册附件下载路由，不需要鉴权。
func (h *Handler) RegisterMediaRoutes(r chi.Router) {
	r.Get("/media/attachments/{key}/{name}", h.handleMedia)
}

// handleListConversations 会话列表
func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations := h.chatSvc.ListConversations(r.Context())
	results := make([]chat.WireConversation, 0, len(conversations))
	for _, c := range conversations {
		results = append(results, chat.ToWireConversation(c))
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"count":   len(results),
		"results": results,
	})
}

// handleCreateConversation 创建会话
func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Subject          string `json:"subject"`
		Content          string `json:"content"`
		ConversationType string `json:"conversation_type"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.chatSvc.CreateConversation(r.Context(), payload.Subject, payload.Content, h.senderName, chat.ConversationType(payload.ConversationType))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, chat.ToWireConversation(conv))
}

// handleListMessages 会话历史
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.chatSvc.LoadTranscript(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	wire := make([]chat.WireMessage, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, chat.ToWire(m))
	}
	utils.RespondJSON(w, http.StatusOK, wire)
}

// handlePostMessage 保存消息
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content     string `json:"content"`
		MessageType string `json:"message_type"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.chatSvc.PostMessage(r.Context(), chat.Message{
		ConversationID: chi.URLParam(r, "conversationID"),
		SenderType:     chat.SenderClient,
		SenderName:     h.senderName,
		Content:        payload.Content,
		MessageType:    payload.MessageType,
		IsRead:         true,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, chat.ToWire(msg))
}

// handleUpload multipart 上传附件，字段 file 与 message_id。
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+1<<20)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	messageID := strings.TrimSpace(r.FormValue("message_id"))
	if messageID == "" {
		utils.RespondError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		if guessed := mime.TypeByExtension(filepath.Ext(header.Filename)); guessed != "" {
			mimeType = guessed
		}
	}

	url := h.media.Put(header.Filename, mimeType, data)
	if strings.HasPrefix(url, "/") {
		url = requestOrigin(r) + url
	}

	attachment, err := h.chatSvc.AttachFile(r.Context(), messageID, chat.Attachment{
		FileName: header.Filename,
		FileType: fileType(mimeType),
		FileURL:  url,
		MimeType: mimeType,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.log.Info().
		Str("message_id", messageID).
		Str("file", header.Filename).
		Int("bytes", len(data)).
		Msg("attachment stored")
	utils.RespondJSON(w, http.StatusCreated, chat.ToWireAttachment(attachment))
}

// handleMedia 返回已上传的文件
func (h *Handler) handleMedia(w http.ResponseWriter, r *http.Request) {
	f, err := h.media.Get(chi.URLParam(r, "key"))
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	if f.MimeType != "" {
		w.Header().Set("Content-Type", f.MimeType)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(f.Data)
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chatService.ErrConversationNotFound), errors.Is(err, chatService.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chatService.ErrEmptyMessage), errors.Is(err, chatService.ErrInvalidType):
		status = http.StatusBadRequest
	default:
		h.log.Error().Err(err).Msg("chat service error")
	}
	utils.RespondError(w, status, err.Error())
}

func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

func fileType(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "file"
	}
}
