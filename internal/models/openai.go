package models

import (
	"context"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/dohr-michael/agentrunner/internal/config"
)

const defaultRemoteTimeout = 60 * time.Second

// NewOpenAI creates a chat model for OpenAI or any server speaking its
// chat completions API (vLLM, LM Studio, OpenRouter) when base_url is set.
func NewOpenAI(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.BaseChatModel, error) {
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}

	s := SamplingFrom(cfg.Options)
	modelConfig := &einoopenai.ChatModelConfig{
		APIKey:      auth.Value,
		Model:       cfg.Model,
		BaseURL:     cfg.BaseURL,
		Timeout:     timeout,
		HTTPClient:  guardedClient("openai", timeout),
		Temperature: s.Temperature,
		TopP:        s.TopP,
		Seed:        s.Seed,
		Stop:        s.Stop,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		modelConfig.MaxCompletionTokens = &maxTokens
	}
	if s.JSONMode {
		modelConfig.ResponseFormat = &einoopenai.ChatCompletionResponseFormat{
			Type: einoopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return einoopenai.NewChatModel(ctx, modelConfig)
}
