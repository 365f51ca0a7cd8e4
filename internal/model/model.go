package model

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"subtask-stream/internal/config"
	"subtask-stream/pkg/logger"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
)

// NewChatModel 按配置的 provider 创建用于生成子任务输出的模型，同时返回模型名
func NewChatModel(ctx context.Context, cfg *config.Config) (einoModel.BaseChatModel, string, error) {
	switch cfg.Model.Provider {
	case "doubao":
		m, err := createDoubaoModel(ctx, cfg.Doubao)
		return m, cfg.Doubao.Model, err
	case "openai":
		m, err := newOpenAIChatModel(cfg.OpenAI)
		if err != nil {
			return nil, "", err
		}
		return m, cfg.OpenAI.Model, nil
	case "qwen":
		m, err := createQwenModel(ctx, cfg.Qwen)
		return m, cfg.Qwen.Model, err
	default:
		return nil, "", fmt.Errorf("unsupported model provider: %s", cfg.Model.Provider)
	}
}

func maskKey(key string) string {
	if len(key) > 10 {
		return key[:10] + "..."
	}
	return key
}

func createDoubaoModel(ctx context.Context, cfg config.DoubaoConfig) (einoModel.BaseChatModel, error) {
	logger.Infof("Using Doubao API Key: %s, Model: %s", maskKey(cfg.APIKey), cfg.Model)

	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		CustomHeader: map[string]string{
			"X-Ark-Thinking-Mode": "disable",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create doubao model: %w", err)
	}

	return chatModel, nil
}

func createQwenModel(ctx context.Context, cfg config.QwenConfig) (einoModel.BaseChatModel, error) {
	logger.Infof("Using Qwen API Key: %s, Model: %s, BaseURL: %s", maskKey(cfg.APIKey), cfg.Model, cfg.BaseURL)

	httpClient := &http.Client{
		Transport: NewDebugTransport(nil, cfg.DebugRequest),
		Timeout:   cfg.Timeout,
	}

	chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		MaxTokens:   &cfg.MaxTokens,
		Temperature: &cfg.Temperature,
		TopP:        &cfg.TopP,
		Timeout:     cfg.Timeout,
		HTTPClient:  httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qwen model: %w", err)
	}

	return chatModel, nil
}

// DebugTransport 在 debug 开启时记录模型请求，敏感请求头会被隐藏
type DebugTransport struct {
	base         http.RoundTripper
	debugEnabled bool
}

func NewDebugTransport(base http.RoundTripper, debugEnabled bool) *DebugTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DebugTransport{
		base:         base,
		debugEnabled: debugEnabled,
	}
}

func (t *DebugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.debugEnabled && req.Method == http.MethodPost {
		t.logRequest(req)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil && t.debugEnabled {
		logger.Errorf("[model debug] request failed: %v", err)
	}

	return resp, err
}

func (t *DebugTransport) logRequest(req *http.Request) {
	logger.Infof("[model debug] %s %s", req.Method, req.URL.String())

	for name, values := range req.Header {
		if isSensitiveHeader(name) {
			logger.Infof("[model debug]   %s: [REDACTED]", name)
		} else {
			logger.Infof("[model debug]   %s: %s", name, strings.Join(values, ", "))
		}
	}

	if req.Body == nil {
		return
	}
	bodyBytes, err := io.ReadAll(req.Body)
	if err != nil {
		logger.Errorf("[model debug] failed to read request body: %v", err)
		return
	}
	// 恢复请求体，以免影响实际请求
	req.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	logger.Infof("[model debug] body (%d bytes): %s", len(bodyBytes), string(bodyBytes))
}

func isSensitiveHeader(name string) bool {
	for _, sensitive := range []string{"authorization", "x-api-key", "x-auth-token", "cookie"} {
		if strings.EqualFold(name, sensitive) {
			return true
		}
	}
	return false
}
