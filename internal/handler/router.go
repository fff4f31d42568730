package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/handler/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/handler/realtime"
	middlewarePkg "github.com/zhouzirui/z-tavern/chatsync/internal/middleware"
	chatService "github.com/zhouzirui/z-tavern/chatsync/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatsync/pkg/utils"
)

// Deps 路由依赖
type Deps struct {
	Chat        *chatService.Service
	Media       *chatService.MediaStore
	Realtime    *realtime.WebSocketHandler
	AccessToken string
	Log         zerolog.Logger
}

// NewRouter wires HTTP routes to core services.
// REST 接口挂在 /api 下，WebSocket 在 /ws/chat/{id}/，附件在 /media/ 下。
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(deps.Log))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chat.New(deps.Chat, deps.Media, deps.Log)
	auth := middlewarePkg.RequireToken(deps.AccessToken)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(auth)
		chatHandler.RegisterRoutes(api)
	})

	if deps.Realtime != nil {
		r.Group(func(ws chi.Router) {
			ws.Use(auth)
			deps.Realtime.RegisterRoutes(ws)
		})
	}

	chatHandler.RegisterMediaRoutes(r)

	return r
}
