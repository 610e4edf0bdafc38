// Package callbacks provides Eino callback handlers that bridge model calls to the event bus.
package callbacks

import (
	"context"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	ub "github.com/cloudwego/eino/utils/callbacks"

	"github.com/dohr-michael/agentrunner/internal/events"
)

const maxErrorLen = 500

// NewEventBusHandler creates a callback handler that publishes a
// ModelCallPayload for every chat model request, response and error.
// The run comes from the context, the purpose from the run info name.
func NewEventBusHandler(bus events.Publisher) callbacks.Handler {
	publish := func(ctx context.Context, payload events.ModelCallPayload) {
		bus.Publish(events.NewTypedEvent(events.SourceModel, events.RunIDFromContext(ctx), payload))
	}

	modelHandler := &ub.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *callbacks.RunInfo, _ *model.CallbackInput) context.Context {
			publish(ctx, events.ModelCallPayload{
				Phase:   "request",
				Purpose: info.Name,
				Model:   info.Type,
			})
			return ctx
		},

		OnEnd: func(ctx context.Context, info *callbacks.RunInfo, output *model.CallbackOutput) context.Context {
			payload := events.ModelCallPayload{
				Phase:   "response",
				Purpose: info.Name,
				Model:   info.Type,
			}
			if output != nil && output.TokenUsage != nil {
				payload.TokensInput = output.TokenUsage.PromptTokens
				payload.TokensOutput = output.TokenUsage.CompletionTokens
			}
			publish(ctx, payload)
			return ctx
		},

		OnError: func(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
			publish(ctx, events.ModelCallPayload{
				Phase:   "error",
				Purpose: info.Name,
				Model:   info.Type,
				Error:   truncatePayload(err.Error(), maxErrorLen),
			})
			return ctx
		},
	}

	return ub.NewHandlerHelper().
		ChatModel(modelHandler).
		Handler()
}

func truncatePayload(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}
