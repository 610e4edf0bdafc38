package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHomePath_Default(t *testing.T) {
	t.Setenv("AGENTRUNNER_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := HomePath(), filepath.Join(home, ".agentrunner"); got != want {
		t.Errorf("HomePath() = %q, want %q", got, want)
	}
}

func TestHomePath_EnvOverride(t *testing.T) {
	t.Setenv("AGENTRUNNER_PATH", "/tmp/custom-runner")

	if got, want := HomePath(), "/tmp/custom-runner"; got != want {
		t.Errorf("HomePath() = %q, want %q", got, want)
	}
	if got, want := ConfigPath(), "/tmp/custom-runner/config.jsonc"; got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
	if got, want := DotenvPath(), "/tmp/custom-runner/.env"; got != want {
		t.Errorf("DotenvPath() = %q, want %q", got, want)
	}
}
