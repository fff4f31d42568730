package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/config"
	"github.com/zhouzirui/z-tavern/chatsync/internal/handler"
	"github.com/zhouzirui/z-tavern/chatsync/internal/handler/realtime"
	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/ai"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/chat"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("devserver", "info")
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logging.New("devserver", cfg.LogLevel)
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file, continuing with system environment variables only")
	}

	chatService := chat.NewService()
	media := chat.NewMediaStore(cfg.Server.MediaBase)

	// AI 回复：配置了 Ark 凭证时走大模型，否则使用固定回复
	var generator ai.Generator = ai.Canned{}
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize AI service, 请检查 Ark 模型相关环境变量")
		} else {
			generator = aiService
			log.Info().Str("model", cfg.AI.Model).Msg("AI service initialized")
		}
	} else {
		log.Info().Msg("Ark 凭证未配置，AI 会话使用固定回复")
	}
	responder := ai.NewResponder(chatService, generator, cfg.Server.ReplyDelay, log)
	defer responder.Close()

	ws := realtime.NewWebSocketHandler(chatService, realtime.Options{}, log)
	defer ws.Manager().CloseAll()

	router := handler.NewRouter(handler.Deps{
		Chat:        chatService,
		Media:       media,
		Realtime:    ws,
		AccessToken: cfg.Server.AccessToken,
		Log:         log,
	})

	if err := startServer(ctx, cfg.Server, router, ws, log); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, ws *realtime.WebSocketHandler, log zerolog.Logger) error {
	addr, err := serverCfg.Addr()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// Shutdown 不会等待被劫持的 WebSocket 连接
	srv.RegisterOnShutdown(ws.Manager().CloseAll)

	log.Info().Str("addr", addr).Msg("chat dev server listening")
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
