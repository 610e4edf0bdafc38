package models

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Request is a single structured completion request.
type Request struct {
	// Model names a registry provider, or a model id for the default provider.
	Model       string
	System      string
	User        string
	Temperature *float32
	// Purpose labels the call for logs and metrics (e.g. "plan", "validate_memory").
	Purpose string
}

// Gateway is the boundary to a text-completion capability.
type Gateway interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ChatGateway serves completions from a Registry, one bounded call at a time.
type ChatGateway struct {
	registry *Registry
	timeout  time.Duration
	handlers []callbacks.Handler
}

// NewChatGateway creates a gateway over the registry. A zero timeout disables the per-call bound.
func NewChatGateway(registry *Registry, timeout time.Duration) *ChatGateway {
	return &ChatGateway{registry: registry, timeout: timeout}
}

// WithCallbacks attaches Eino callback handlers to every completion.
func (g *ChatGateway) WithCallbacks(handlers ...callbacks.Handler) *ChatGateway {
	g.handlers = append(g.handlers, handlers...)
	return g
}

// Complete sends system + user messages and returns the raw reply text.
func (g *ChatGateway) Complete(ctx context.Context, req Request) (string, error) {
	chat, opts, err := g.resolve(ctx, req)
	if err != nil {
		return "", err
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if len(g.handlers) > 0 {
		ctx = callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
			Name:      req.Purpose,
			Type:      req.Model,
			Component: components.ComponentOfChatModel,
		}, g.handlers...)
	}

	msgs := make([]*schema.Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, &schema.Message{Role: schema.System, Content: req.System})
	}
	msgs = append(msgs, &schema.Message{Role: schema.User, Content: req.User})

	start := time.Now()
	resp, err := chat.Generate(ctx, msgs, opts...)
	if err != nil {
		slog.Debug("model call failed", "purpose", req.Purpose, "model", req.Model, "error", err)
		return "", HandleError(err)
	}
	slog.Debug("model call", "purpose", req.Purpose, "model", req.Model, "duration", time.Since(start))
	if resp == nil {
		return "", fmt.Errorf("empty model response")
	}
	return resp.Content, nil
}

func (g *ChatGateway) resolve(ctx context.Context, req Request) (model.BaseChatModel, []model.Option, error) {
	var opts []model.Option
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(*req.Temperature))
	}

	if req.Model != "" && g.registry.Has(req.Model) {
		chat, err := g.registry.Get(ctx, req.Model)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve model %q: %w", req.Model, err)
		}
		return chat, opts, nil
	}

	chat, err := g.registry.Default(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve default model: %w", err)
	}
	if req.Model != "" {
		opts = append(opts, model.WithModel(req.Model))
	}
	return chat, opts, nil
}

// Temperature returns a pointer suitable for Request.Temperature.
func Temperature(v float32) *float32 { return &v }
