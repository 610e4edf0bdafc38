package models

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/model"

	"github.com/dohr-michael/agentrunner/internal/config"
)

// driver builds a chat model once credentials are resolved.
type driver struct {
	// envKeys are the variables read, in order, when the config carries no credentials.
	// Empty means the backend needs none.
	envKeys []string
	build   func(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.BaseChatModel, error)
}

var drivers = map[string]driver{
	"ollama": {
		build: func(ctx context.Context, cfg config.ProviderConfig, _ ResolvedAuth) (model.BaseChatModel, error) {
			return NewOllama(ctx, cfg)
		},
	},
	"openai":    {envKeys: []string{"OPENAI_API_KEY"}, build: NewOpenAI},
	"anthropic": {envKeys: []string{"ANTHROPIC_API_KEY"}, build: NewAnthropic},
	"gemini":    {envKeys: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}, build: NewGemini},
}

// Drivers returns the supported driver names, sorted.
func Drivers() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateModel resolves credentials and builds the chat model of a provider.
func CreateModel(ctx context.Context, cfg config.ProviderConfig) (model.BaseChatModel, error) {
	d, ok := drivers[strings.ToLower(cfg.Driver)]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q (supported: %s)", cfg.Driver, strings.Join(Drivers(), ", "))
	}
	auth, err := ResolveAuth(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve auth: %w", err)
	}
	return d.build(ctx, cfg, auth)
}
