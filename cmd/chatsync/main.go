package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/apiclient"
	"github.com/zhouzirui/z-tavern/chatsync/internal/config"
	"github.com/zhouzirui/z-tavern/chatsync/internal/endpoint"
	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/aiwait"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/conversation"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/transport"
	"github.com/zhouzirui/z-tavern/chatsync/internal/widget"
)

const usage = `命令:
  /list                 会话列表
  /open <id>            打开会话
  /new                  新建会话 (随后发送的第一条消息决定内容)
  /ai, /support         选择新会话类型
  /attach <path>        暂存附件，随下一条消息发送
  /detach <id>          移除暂存附件
  /close                关闭当前会话
  /quit                 退出
其余输入作为消息发送。`

func main() {
	envErr := godotenv.Load()

	apiBase := flag.String("api", "", "REST 地址，覆盖 CHAT_API_BASE_URL 与档案")
	wsBase := flag.String("ws", "", "WebSocket 地址，留空时由 REST 地址推导")
	token := flag.String("token", "", "访问令牌")
	name := flag.String("name", "", "显示名称")
	save := flag.Bool("save", false, "把当前连接信息写回档案")
	timeout := flag.Duration("timeout", 0, "单个请求超时时间，0 表示不限制")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("chatsync", "info")
		bootLog.Fatal().Err(err).Msg("配置加载失败")
	}
	log := logging.New("chatsync", cfg.LogLevel)
	if envErr != nil {
		log.Debug().Err(envErr).Msg("无法加载 .env，改用系统环境变量")
	}

	cfg.Client.APIBaseURL = firstNonEmpty(*apiBase, cfg.Client.APIBaseURL)
	cfg.Client.WSBaseURL = firstNonEmpty(*wsBase, cfg.Client.WSBaseURL)
	cfg.Client.AccessToken = firstNonEmpty(*token, cfg.Client.AccessToken)
	cfg.Client.DisplayName = firstNonEmpty(*name, cfg.Client.DisplayName)

	state, err := cfg.Client.LocalState()
	if err != nil {
		log.Fatal().Err(err).Msg("读取本地档案失败")
	}
	endpoints, err := endpoint.Resolve(state.APIBaseURL, state.WSBaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("地址无效，请通过 -api 或 CHAT_API_BASE_URL 指定")
	}
	if *save {
		path := firstNonEmpty(cfg.Client.ProfilePath, config.DefaultProfilePath())
		if err := config.SaveProfile(path, state); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("保存档案失败")
		}
	}

	api := apiclient.New(endpoints, state.AccessToken, log, apiclient.WithTimeout(*timeout))
	dialer := transport.NewDialer(endpoints, state.AccessToken, transport.Options{
		HandshakeTimeout: cfg.Client.HandshakeTimeout,
		PingInterval:     cfg.Client.PingInterval,
	}, log)

	w := widget.New(api, dialer, widget.Options{
		DisplayName:       state.DisplayName,
		Wait:              aiwait.Options{ThinkingDelay: cfg.Client.ThinkingDelay, PollInterval: cfg.Client.PollInterval},
		UploadConcurrency: cfg.Client.UploadConcurrency,
	}, log)
	defer w.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, w, os.Stdin, os.Stdout, log); err != nil {
		log.Fatal().Err(err).Msg("chatsync exited")
	}
}

func run(ctx context.Context, w *widget.Widget, in io.Reader, out io.Writer, log zerolog.Logger) error {
	if err := w.Mount(ctx); err != nil {
		log.Warn().Err(err).Msg("加载会话列表失败")
	}
	fmt.Fprintln(out, usage)

	view := newRenderer(out)
	unsubscribe := w.Subscribe(view.render)
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := dispatch(ctx, w, line, out)
			if err != nil {
				fmt.Fprintf(out, "! %s\n", describe(err))
			}
			if quit {
				return nil
			}
		}
	}
}

// dispatch 执行一行输入，返回是否退出。
func dispatch(ctx context.Context, w *widget.Widget, line string, out io.Writer) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, w.Send(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(out, usage)
	case "/list":
		if err := w.Refresh(ctx); err != nil {
			return false, err
		}
		for _, c := range w.Snapshot().Conversations {
			fmt.Fprintf(out, "  [%s] %-8s %s\n", c.ID, c.ConversationType, c.Subject)
		}
	case "/open":
		if arg == "" {
			return false, fmt.Errorf("用法: /open <id>")
		}
		return false, w.Select(ctx, arg)
	case "/new":
		return false, w.BeginNew()
	case "/ai":
		return false, w.ChooseType(ctx, chat.ConversationAI)
	case "/support":
		return false, w.ChooseType(ctx, chat.ConversationSupport)
	case "/attach":
		file, err := localFile(arg)
		if err != nil {
			return false, err
		}
		staged, err := w.Attach(file)
		if err != nil {
			return false, err
		}
		for _, p := range staged {
			fmt.Fprintf(out, "  + %s (%s)\n", p.File.Name, p.ID)
		}
	case "/detach":
		if !w.Detach(arg) {
			return false, fmt.Errorf("没有暂存附件 %s", arg)
		}
	case "/close":
		w.Deselect()
	default:
		return false, fmt.Errorf("未知命令 %s", cmd)
	}
	return false, nil
}

func localFile(path string) (chat.LocalFile, error) {
	if path == "" {
		return chat.LocalFile{}, fmt.Errorf("用法: /attach <path>")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return chat.LocalFile{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return chat.LocalFile{}, err
	}
	if info.IsDir() {
		return chat.LocalFile{}, fmt.Errorf("%s 是目录", path)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(abs))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return chat.LocalFile{
		URI:  "file://" + filepath.ToSlash(abs),
		Name: info.Name(),
		Type: mimeType,
		Size: info.Size(),
	}, nil
}

// describe 把常见错误转成可操作的提示。
func describe(err error) string {
	switch {
	case apiclient.IsStatus(err, http.StatusUnauthorized), apiclient.IsStatus(err, http.StatusForbidden):
		return fmt.Sprintf("%v (令牌无效，请通过 -token 或 CHAT_ACCESS_TOKEN 设置)", err)
	case errors.Is(err, transport.ErrNotConnected):
		return "连接未建立，消息未发送，请稍后重试或重新 /open"
	case errors.Is(err, conversation.ErrTypeSelectionRequired):
		return "请选择会话类型: /ai 或 /support"
	default:
		return err.Error()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
