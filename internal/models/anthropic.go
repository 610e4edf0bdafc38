package models

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/agentrunner/internal/config"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-6"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicChatModel implements model.BaseChatModel over the Messages API.
// Completions here are single-shot text, so Stream yields one chunk.
type AnthropicChatModel struct {
	client    anthropic.Client
	modelName string
	maxTokens int
	sampling  Sampling
}

// NewAnthropic creates an Anthropic chat model. Bearer tokens go in the
// Authorization header, API keys in x-api-key.
func NewAnthropic(_ context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.BaseChatModel, error) {
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(guardedClient("anthropic", timeout)),
		option.WithRequestTimeout(timeout),
	}
	switch auth.Kind {
	case AuthBearerToken:
		opts = append(opts, option.WithAuthToken(auth.Value))
	default:
		opts = append(opts, option.WithAPIKey(auth.Value))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicChatModel{
		client:    anthropic.NewClient(opts...),
		modelName: modelName,
		maxTokens: maxTokens,
		sampling:  SamplingFrom(cfg.Options),
	}, nil
}

func (m *AnthropicChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (outMsg *schema.Message, err error) {
	ctx = callbacks.EnsureRunInfo(ctx, "Anthropic", components.ComponentOfChatModel)

	params := m.buildParams(messages, opts)
	cbInput := &model.CallbackInput{
		Messages: messages,
		Config:   &model.Config{Model: string(params.Model), MaxTokens: int(params.MaxTokens)},
	}
	ctx = callbacks.OnStart(ctx, cbInput)
	defer func() {
		if err != nil {
			callbacks.OnError(ctx, err)
		}
	}()

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, HandleError(err)
	}
	outMsg = anthropicReply(resp)

	callbacks.OnEnd(ctx, &model.CallbackOutput{
		Message: outMsg,
		Config:  cbInput.Config,
		TokenUsage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	})
	return outMsg, nil
}

func (m *AnthropicChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

// IsCallbacksEnabled reports that Generate fires its own callbacks.
func (m *AnthropicChatModel) IsCallbacksEnabled() bool { return true }

func (m *AnthropicChatModel) buildParams(messages []*schema.Message, opts []model.Option) anthropic.MessageNewParams {
	options := model.GetCommonOptions(&model.Options{
		Model:       &m.modelName,
		MaxTokens:   &m.maxTokens,
		Temperature: m.sampling.Temperature,
		TopP:        m.sampling.TopP,
		Stop:        m.sampling.Stop,
	}, opts...)

	params := anthropic.MessageNewParams{
		Model:         anthropic.Model(m.modelName),
		MaxTokens:     int64(m.maxTokens),
		StopSequences: options.Stop,
	}
	if options.Model != nil && *options.Model != "" {
		params.Model = anthropic.Model(*options.Model)
	}
	if options.MaxTokens != nil && *options.MaxTokens > 0 {
		params.MaxTokens = int64(*options.MaxTokens)
	}
	if options.Temperature != nil {
		params.Temperature = param.NewOpt(float64(*options.Temperature))
	}
	if options.TopP != nil {
		params.TopP = param.NewOpt(float64(*options.TopP))
	}
	if m.sampling.TopK != nil {
		params.TopK = param.NewOpt(int64(*m.sampling.TopK))
	}

	for _, msg := range messages {
		switch msg.Role {
		case schema.System:
			params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
		case schema.Assistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return params
}

// anthropicReply joins the text blocks of a response.
func anthropicReply(resp *anthropic.Message) *schema.Message {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	finish := "stop"
	if resp.StopReason == anthropic.StopReasonMaxTokens {
		finish = "length"
	}
	return &schema.Message{
		Role:    schema.Assistant,
		Content: text.String(),
		ResponseMeta: &schema.ResponseMeta{
			FinishReason: finish,
			Usage: &schema.TokenUsage{
				PromptTokens:     int(resp.Usage.InputTokens),
				CompletionTokens: int(resp.Usage.OutputTokens),
				TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
			},
		},
	}
}

var _ model.BaseChatModel = (*AnthropicChatModel)(nil)
