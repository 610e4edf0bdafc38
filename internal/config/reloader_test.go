package config

import (
	"path/filepath"
	"slices"
	"testing"
)

func TestReloader_Current(t *testing.T) {
	cfg := &Config{}
	cfg.Dispatch.MaxConcurrent = 7

	r := NewReloader("", "", cfg)
	if got := r.Current().Dispatch.MaxConcurrent; got != 7 {
		t.Errorf("Current().Dispatch.MaxConcurrent = %d, want 7", got)
	}
}

func TestReloader_ReportsChangedSections(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTRUNNER_PATH", dir)
	dotenvPath := writeFile(t, dir, ".env", "RUNNER_MAX=1\n")
	configPath := writeFile(t, dir, "config.jsonc", `{
		"dispatch": {"max_concurrent": 3},
		"log": {"level": "debug"},
	}`)

	initial, err := LoadOrDefault(filepath.Join(dir, "missing.jsonc"))
	if err != nil {
		t.Fatal(err)
	}
	r := NewReloader(configPath, dotenvPath, initial)

	var seen []Change
	r.OnReload(func(ch Change) { seen = append(seen, ch) })

	ch, err := r.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("listener called %d times, want 1", len(seen))
	}
	if ch.Previous != initial || ch.Current != r.Current() {
		t.Error("change must carry the previous and the new config")
	}
	if ch.Current.Dispatch.MaxConcurrent != 3 {
		t.Errorf("max_concurrent = %d, want 3", ch.Current.Dispatch.MaxConcurrent)
	}
	if !slices.Contains(ch.Changed, "dispatch") || !slices.Contains(ch.Changed, "log") {
		t.Errorf("changed = %v, want dispatch and log", ch.Changed)
	}
	if !slices.Contains(ch.Restart, "dispatch") || slices.Contains(ch.Restart, "log") {
		t.Errorf("restart = %v, want dispatch only", ch.Restart)
	}

	ch, err = r.Reload()
	if err != nil {
		t.Fatalf("second Reload: %v", err)
	}
	if len(ch.Changed) != 0 {
		t.Errorf("identical reload reported %v", ch.Changed)
	}
}

func TestReloader_ReloadKeepsConfigOnError(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "config.jsonc", `{"dispatch": `)

	initial := &Config{}
	r := NewReloader(configPath, filepath.Join(dir, ".env"), initial)

	if _, err := r.Reload(); err == nil {
		t.Fatal("expected reload error for broken config")
	}
	if r.Current() != initial {
		t.Error("config must not change after a failed reload")
	}
}

func TestReloader_SealedValueWithoutKeyStillSwapsConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTRUNNER_PATH", dir)
	dotenvPath := writeFile(t, dir, ".env", "SEALED_RELOAD=ENC[age:AAAA]\n")
	configPath := writeFile(t, dir, "config.jsonc", `{"dispatch": {"max_concurrent": 5}}`)

	r := NewReloader(configPath, dotenvPath, &Config{})
	ch, err := r.Reload()
	if err == nil {
		t.Fatal("expected the dotenv decrypt error to be reported")
	}
	if ch.Current == nil || r.Current().Dispatch.MaxConcurrent != 5 {
		t.Error("config must still be swapped")
	}
}
