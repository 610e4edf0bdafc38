package models

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/agentrunner/internal/config"
	"github.com/dohr-michael/agentrunner/internal/secrets"
)

func TestSamplingFrom(t *testing.T) {
	s := SamplingFrom(map[string]any{
		"temperature": 0.2,
		"top_p":       0.9,
		"top_k":       40.0,
		"num_ctx":     8192.0,
		"json_mode":   true,
		"stop":        []any{"</answer>", "", 3.0},
	})
	if s.Temperature == nil || *s.Temperature != float32(0.2) {
		t.Errorf("temperature: %v", s.Temperature)
	}
	if s.TopP == nil || *s.TopP != float32(0.9) {
		t.Errorf("top_p: %v", s.TopP)
	}
	if s.TopK == nil || *s.TopK != 40 {
		t.Errorf("top_k: %v", s.TopK)
	}
	if s.NumCtx != 8192 || !s.JSONMode {
		t.Errorf("num_ctx=%d json_mode=%v", s.NumCtx, s.JSONMode)
	}
	if len(s.Stop) != 1 || s.Stop[0] != "</answer>" {
		t.Errorf("stop: %v", s.Stop)
	}

	empty := SamplingFrom(nil)
	if empty.Temperature != nil || empty.Seed != nil || empty.Stop != nil {
		t.Errorf("nil options must leave every knob unset: %+v", empty)
	}
}

func TestOllamaOptions(t *testing.T) {
	opts := ollamaOptions(256, SamplingFrom(map[string]any{"temperature": 0.5, "seed": 7.0, "stop": "END"}))
	if opts.NumPredict != 256 || opts.Temperature != 0.5 || opts.Seed != 7 {
		t.Errorf("got %+v", opts)
	}
	if len(opts.Stop) != 1 || opts.Stop[0] != "END" {
		t.Errorf("stop: %v", opts.Stop)
	}
}

func TestResolveAuth_DriverEnvFallbacks(t *testing.T) {
	for _, k := range []string{"ANTHROPIC_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	if _, err := ResolveAuth(config.ProviderConfig{Driver: "anthropic"}); err == nil || !strings.Contains(err.Error(), "ANTHROPIC_API_KEY not set") {
		t.Fatalf("anthropic without key: %v", err)
	}
	if _, err := ResolveAuth(config.ProviderConfig{Driver: "gemini"}); err == nil || !strings.Contains(err.Error(), "GEMINI_API_KEY or GOOGLE_API_KEY") {
		t.Fatalf("gemini without key: %v", err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")
	t.Setenv("GOOGLE_API_KEY", "google-env")

	tests := []struct {
		driver string
		want   string
	}{
		{"anthropic", "sk-ant-env"},
		{"Gemini", "google-env"},
	}
	for _, tt := range tests {
		auth, err := ResolveAuth(config.ProviderConfig{Driver: tt.driver})
		if err != nil {
			t.Fatalf("%s: %v", tt.driver, err)
		}
		if auth.Kind != AuthAPIKey || auth.Value != tt.want {
			t.Errorf("%s: got %+v, want api key %q", tt.driver, auth, tt.want)
		}
	}
}

func TestResolveAuth_DecryptsSealedKey(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTRUNNER_PATH", home)
	recipient, err := secrets.GenerateIdentity(filepath.Join(home, secrets.KeyFileName))
	if err != nil {
		t.Fatal(err)
	}
	blob, err := secrets.Encrypt("sk-sealed", recipient)
	if err != nil {
		t.Fatal(err)
	}

	auth, err := ResolveAuth(config.ProviderConfig{Driver: "openai", Auth: config.AuthConfig{APIKey: blob}})
	if err != nil {
		t.Fatalf("ResolveAuth: %v", err)
	}
	if auth.Value != "sk-sealed" {
		t.Errorf("got %q, want decrypted key", auth.Value)
	}

	t.Setenv("SEALED_OPENAI", blob)
	auth, err = ResolveAuth(config.ProviderConfig{Driver: "openai", Auth: config.AuthConfig{APIKey: "${SEALED_OPENAI}"}})
	if err != nil || auth.Value != "sk-sealed" {
		t.Errorf("env reference: got %q, %v", auth.Value, err)
	}
}

func TestResolveAuth_SealedKeyWithoutIdentity(t *testing.T) {
	t.Setenv("AGENTRUNNER_PATH", t.TempDir())
	_, err := ResolveAuth(config.ProviderConfig{Driver: "openai", Auth: config.AuthConfig{APIKey: "ENC[age:AAAA]"}})
	if err == nil || !strings.Contains(err.Error(), "decrypt auth.api_key") {
		t.Fatalf("expected decrypt error, got %v", err)
	}
}

func TestCreateModel_BuildsEveryDriver(t *testing.T) {
	t.Setenv("AGENTRUNNER_PATH", t.TempDir())
	for _, name := range Drivers() {
		cfg := config.ProviderConfig{Driver: name, Model: "m", Auth: config.AuthConfig{APIKey: "k"}}
		chat, err := CreateModel(context.Background(), cfg)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if chat == nil {
			t.Errorf("%s: nil model", name)
		}
	}
}

func TestAnthropic_Generate(t *testing.T) {
	tests := []struct {
		name       string
		auth       ResolvedAuth
		wantHeader string
		wantValue  string
	}{
		{"api key", ResolvedAuth{Kind: AuthAPIKey, Value: "sk-ant"}, "X-Api-Key", "sk-ant"},
		{"bearer token", ResolvedAuth{Kind: AuthBearerToken, Value: "oauth-tok"}, "Authorization", "Bearer oauth-tok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got struct {
				Model     string `json:"model"`
				MaxTokens int    `json:"max_tokens"`
				System    []struct {
					Text string `json:"text"`
				} `json:"system"`
				Messages []struct {
					Role string `json:"role"`
				} `json:"messages"`
			}
			var header string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				header = r.Header.Get(tt.wantHeader)
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					t.Errorf("decode request: %v", err)
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
					"content":[{"type":"text","text":"{\"ok\":"},{"type":"text","text":"true}"}],
					"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":4}}`))
			}))
			defer srv.Close()

			chat, err := NewAnthropic(context.Background(), config.ProviderConfig{
				Model:   "claude-test",
				BaseURL: srv.URL,
			}, tt.auth)
			if err != nil {
				t.Fatalf("NewAnthropic: %v", err)
			}

			msg, err := chat.Generate(context.Background(), []*schema.Message{
				schema.SystemMessage("reply with json"),
				schema.UserMessage("status?"),
			})
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if msg.Content != `{"ok":true}` {
				t.Errorf("content: got %q", msg.Content)
			}
			if msg.ResponseMeta.Usage.TotalTokens != 16 {
				t.Errorf("usage: %+v", msg.ResponseMeta.Usage)
			}
			if header != tt.wantValue {
				t.Errorf("%s header: got %q, want %q", tt.wantHeader, header, tt.wantValue)
			}
			if got.Model != "claude-test" || got.MaxTokens != defaultAnthropicMaxTokens {
				t.Errorf("request: model=%q max_tokens=%d", got.Model, got.MaxTokens)
			}
			if len(got.System) != 1 || got.System[0].Text != "reply with json" {
				t.Errorf("system: %+v", got.System)
			}
			if len(got.Messages) != 1 || got.Messages[0].Role != "user" {
				t.Errorf("messages: %+v", got.Messages)
			}
		})
	}
}
