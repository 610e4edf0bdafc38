package models

import (
	"context"
	"encoding/json"
	"time"

	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino/components/model"

	"github.com/dohr-michael/agentrunner/internal/config"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaTimeout = 120 * time.Second
)

// NewOllama creates an Ollama chat model. Requests go to /api/chat with
// stream=false; the reply's message.content carries the model text.
func NewOllama(ctx context.Context, cfg config.ProviderConfig) (model.BaseChatModel, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultOllamaTimeout
	}

	s := SamplingFrom(cfg.Options)
	modelConfig := &einoollama.ChatModelConfig{
		BaseURL:    baseURL,
		Model:      cfg.Model,
		Timeout:    timeout,
		HTTPClient: guardedClient("ollama", timeout),
		Options:    ollamaOptions(cfg.MaxTokens, s),
	}
	if s.JSONMode {
		modelConfig.Format = json.RawMessage(`"json"`)
	}
	return einoollama.NewChatModel(ctx, modelConfig)
}

func ollamaOptions(maxTokens int, s Sampling) *einoollama.Options {
	opts := &einoollama.Options{}
	opts.NumPredict = maxTokens
	opts.NumCtx = s.NumCtx
	opts.Stop = s.Stop
	if s.Temperature != nil {
		opts.Temperature = *s.Temperature
	}
	if s.TopP != nil {
		opts.TopP = *s.TopP
	}
	if s.TopK != nil {
		opts.TopK = *s.TopK
	}
	if s.Seed != nil {
		opts.Seed = *s.Seed
	}
	return opts
}
