package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合客户端与开发服务端的配置项。
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Client   ClientConfig
	Server   ServerConfig
	AI       AIConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	if err := cfg.Client.validate(); err != nil {
		return nil, err
	}
	if _, err := cfg.Server.Addr(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ClientConfig 描述聊天组件的运行参数。
type ClientConfig struct {
	ProfilePath       string        `env:"CHAT_PROFILE"`
	APIBaseURL        string        `env:"CHAT_API_BASE_URL"`
	WSBaseURL         string        `env:"CHAT_WS_BASE_URL"`
	AccessToken       string        `env:"CHAT_ACCESS_TOKEN"`
	DisplayName       string        `env:"CHAT_DISPLAY_NAME"`
	PollInterval      time.Duration `env:"CHAT_POLL_INTERVAL" envDefault:"3s"`
	ThinkingDelay     time.Duration `env:"CHAT_THINKING_DELAY" envDefault:"300ms"`
	HandshakeTimeout  time.Duration `env:"CHAT_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	PingInterval      time.Duration `env:"CHAT_PING_INTERVAL" envDefault:"30s"`
	UploadConcurrency int           `env:"CHAT_UPLOAD_CONCURRENCY" envDefault:"3"`
}

func (c ClientConfig) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid CHAT_POLL_INTERVAL value %q: must be positive", c.PollInterval)
	}
	if c.ThinkingDelay < 0 {
		return fmt.Errorf("invalid CHAT_THINKING_DELAY value %q: must not be negative", c.ThinkingDelay)
	}
	if c.UploadConcurrency < 1 {
		return fmt.Errorf("invalid CHAT_UPLOAD_CONCURRENCY value %d", c.UploadConcurrency)
	}
	return nil
}

// ServerConfig 描述开发服务端配置。
type ServerConfig struct {
	Port        string        `env:"PORT" envDefault:"8080"`
	AccessToken string        `env:"DEV_ACCESS_TOKEN"`
	ReplyDelay  time.Duration `env:"DEV_AI_REPLY_DELAY" envDefault:"1500ms"`
	MediaBase   string        `env:"DEV_MEDIA_BASE_URL"`
}

// Addr 解析服务器监听地址。
func (c ServerConfig) Addr() (string, error) {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// AIConfig 描述开发服务端用于生成 AI 回复的大模型配置。
type AIConfig struct {
	APIKey      string  `env:"ARK_API_KEY"`
	AccessKey   string  `env:"ARK_ACCESS_KEY"`
	SecretKey   string  `env:"ARK_SECRET_KEY"`
	Model       string  `env:"Model"`
	BaseURL     string  `env:"ARK_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	Region      string  `env:"ARK_REGION" envDefault:"cn-beijing"`
	Temperature float32 `env:"ARK_TEMPERATURE" envDefault:"0.7"`
	MaxTokens   int     `env:"ARK_MAX_TOKENS"`
}

// ErrAIDisabled 表示没有配置大模型凭证。
var ErrAIDisabled = errors.New("ark credentials or model missing")

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%w: 至少提供 ARK_API_KEY + Model 或 AK/SK 组合", ErrAIDisabled)
	}

	temperature := c.Temperature
	var maxTokens *int
	if c.MaxTokens > 0 {
		val := c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}
