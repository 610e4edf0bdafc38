package models

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/dohr-michael/agentrunner/internal/config"
)

func TestResolveAuth_DirectAPIKey(t *testing.T) {
	cfg := config.ProviderConfig{
		Driver: "openai",
		Auth:   config.AuthConfig{APIKey: "sk-test-123"},
	}
	auth, err := ResolveAuth(cfg)
	if err != nil {
		t.Fatalf("ResolveAuth: %v", err)
	}
	if auth.Kind != AuthAPIKey {
		t.Fatalf("expected AuthAPIKey, got %d", auth.Kind)
	}
	if auth.Value != "sk-test-123" {
		t.Fatalf("expected value %q, got %q", "sk-test-123", auth.Value)
	}
}

func TestResolveAuth_TokenWins(t *testing.T) {
	cfg := config.ProviderConfig{
		Driver: "openai",
		Auth:   config.AuthConfig{APIKey: "sk-test-123", Token: "bearer-xyz"},
	}
	auth, err := ResolveAuth(cfg)
	if err != nil {
		t.Fatalf("ResolveAuth: %v", err)
	}
	if auth.Kind != AuthBearerToken || auth.Value != "bearer-xyz" {
		t.Fatalf("got %+v, want bearer token", auth)
	}
}

func TestResolveAuth_EnvVarSyntax(t *testing.T) {
	t.Setenv("MY_CUSTOM_KEY", "custom-api-key-value")

	cfg := config.ProviderConfig{
		Driver: "openai",
		Auth:   config.AuthConfig{APIKey: "${MY_CUSTOM_KEY}"},
	}
	auth, err := ResolveAuth(cfg)
	if err != nil {
		t.Fatalf("ResolveAuth: %v", err)
	}
	if auth.Value != "custom-api-key-value" {
		t.Fatalf("expected value %q, got %q", "custom-api-key-value", auth.Value)
	}
}

func TestResolveAuth_FallbackOpenAIEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-openai-key")

	auth, err := ResolveAuth(config.ProviderConfig{Driver: "openai"})
	if err != nil {
		t.Fatalf("ResolveAuth: %v", err)
	}
	if auth.Value != "env-openai-key" {
		t.Fatalf("expected value %q, got %q", "env-openai-key", auth.Value)
	}
}

func TestResolveAuth_OllamaNeedsNothing(t *testing.T) {
	if _, err := ResolveAuth(config.ProviderConfig{Driver: "ollama"}); err != nil {
		t.Fatalf("ResolveAuth(ollama): %v", err)
	}
}

func TestResolveAuth_NothingSet(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	os.Unsetenv("OPENAI_API_KEY")

	_, err := ResolveAuth(config.ProviderConfig{Driver: "openai"})
	if err == nil {
		t.Fatal("expected error when no auth is available")
	}
	if !strings.Contains(err.Error(), "OPENAI_API_KEY not set") {
		t.Fatalf("expected 'OPENAI_API_KEY not set' error, got %v", err)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry(config.ModelsConfig{Default: "main"})

	_, err := reg.Get(context.Background(), "nonexistent")
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected 'not found' error, got %v", err)
	}
}

func TestRegistry_RegisterSetsDefault(t *testing.T) {
	reg := NewRegistry(config.ModelsConfig{})
	reg.Register("fake", &fakeChat{reply: "ok"})

	if reg.DefaultName() != "fake" {
		t.Fatalf("DefaultName: got %q, want %q", reg.DefaultName(), "fake")
	}
	if !reg.Has("fake") {
		t.Fatal("Has(fake) = false")
	}
	if got := reg.Names(); len(got) != 1 || got[0] != "fake" {
		t.Fatalf("Names: got %v", got)
	}
}

func TestCreateModel_UnknownDriver(t *testing.T) {
	_, err := CreateModel(context.Background(), config.ProviderConfig{Driver: "unknown-driver"})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if !strings.Contains(err.Error(), "unknown driver") {
		t.Fatalf("expected 'unknown driver' error, got %v", err)
	}
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"status 429: slow down", "rate limited"},
		{"401 unauthorized", "authentication failed"},
		{"context deadline exceeded", "model call timed out"},
		{"dial tcp: connection refused", "connection error"},
	}
	for _, tt := range tests {
		err := HandleError(errString(tt.msg))
		if !strings.HasPrefix(err.Error(), tt.want) {
			t.Errorf("HandleError(%q) = %q, want prefix %q", tt.msg, err.Error(), tt.want)
		}
	}
	if HandleError(nil) != nil {
		t.Error("HandleError(nil) should be nil")
	}
}

type errString string

func (e errString) Error() string { return string(e) }
