package commands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dohr-michael/agentrunner/internal/secrets"
)

func TestStoreSecretSealsValue(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, secrets.KeyFileName)
	envPath := filepath.Join(dir, ".env")
	if _, err := secrets.GenerateIdentity(keyPath); err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	if err := storeSecret(keyPath, envPath, "OPENAI_API_KEY", "sk-test-123"); err != nil {
		t.Fatalf("storeSecret: %v", err)
	}
	raw, err := os.ReadFile(envPath)
	if err != nil {
		t.Fatalf("read dotenv: %v", err)
	}
	if strings.Contains(string(raw), "sk-test-123") {
		t.Fatalf("plaintext written to dotenv: %s", raw)
	}
	_, value, ok := strings.Cut(strings.TrimSpace(string(raw)), "=")
	if !ok {
		t.Fatalf("unexpected dotenv content: %s", raw)
	}
	value = strings.Trim(value, `"'`)
	plain, err := secrets.NewKeyring(keyPath).Open(value)
	if err != nil || plain != "sk-test-123" {
		t.Fatalf("Open: %q, %v", plain, err)
	}
}

func TestStoreSecretErrors(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")

	if err := storeSecret(filepath.Join(dir, "missing-key"), envPath, "TOKEN", "v"); err == nil || !strings.Contains(err.Error(), "keygen") {
		t.Errorf("missing key: got %v", err)
	}
	if err := storeSecret(filepath.Join(dir, "missing-key"), envPath, "BAD-NAME", "v"); err == nil {
		t.Error("expected an invalid name error")
	}
	if _, err := os.Stat(envPath); !os.IsNotExist(err) {
		t.Errorf("dotenv written on error: %v", err)
	}
}

func TestSealValueKeepsSealedInput(t *testing.T) {
	sealed := "ENC[age:YWJj]"
	got, err := sealValue(filepath.Join(t.TempDir(), "missing-key"), sealed)
	if err != nil || got != sealed {
		t.Fatalf("sealValue: %q, %v", got, err)
	}
}
