package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
)

// Change describes one applied reload.
type Change struct {
	Previous *Config
	Current  *Config
	// Changed lists the top-level sections whose values differ.
	Changed []string
	// Restart lists the changed sections a running serve process only
	// picks up after a restart (stores, listener, slots, providers).
	Restart []string
}

// liveSections take effect without a restart.
var liveSections = map[string]bool{"log": true}

// Reloader swaps the live config on SIGHUP and tells listeners what moved.
type Reloader struct {
	configPath string
	dotenvPath string
	current    atomic.Pointer[Config]
	mu         sync.Mutex
	listeners  []func(Change)
}

// NewReloader creates a Reloader with the given initial config.
func NewReloader(configPath, dotenvPath string, initial *Config) *Reloader {
	r := &Reloader{
		configPath: configPath,
		dotenvPath: dotenvPath,
	}
	r.current.Store(initial)
	return r
}

// Current returns the config of the last successful reload.
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// OnReload registers a callback invoked after each successful reload.
func (r *Reloader) OnReload(fn func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Reload re-reads the .env file (overriding, decrypting sealed values) and
// the config file. A broken config keeps the current one; a .env value that
// cannot be decrypted is reported but does not block the config swap.
func (r *Reloader) Reload() (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	envErr := ReloadDotenv(r.dotenvPath)
	if envErr != nil {
		slog.Warn("dotenv reload incomplete", "path", r.dotenvPath, "error", envErr)
	}

	cfg, err := LoadOrDefault(r.configPath)
	if err != nil {
		return Change{}, fmt.Errorf("reload config: %w", err)
	}

	prev := r.current.Swap(cfg)
	ch := Change{Previous: prev, Current: cfg}
	ch.Changed = changedSections(prev, cfg)
	for _, s := range ch.Changed {
		if !liveSections[s] {
			ch.Restart = append(ch.Restart, s)
		}
	}
	slog.Info("config reloaded", "path", r.configPath, "changed", ch.Changed)

	for _, fn := range r.listeners {
		fn(ch)
	}
	if envErr != nil {
		return ch, fmt.Errorf("reload dotenv: %w", envErr)
	}
	return ch, nil
}

// changedSections compares the top-level sections by their json names.
func changedSections(a, b *Config) []string {
	if a == nil || b == nil {
		return nil
	}
	va, vb := reflect.ValueOf(*a), reflect.ValueOf(*b)
	t := va.Type()
	var out []string
	for i := 0; i < t.NumField(); i++ {
		if !reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			out = append(out, jsonName(t.Field(i)))
		}
	}
	return out
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			tag = tag[:i]
			break
		}
	}
	if tag == "" {
		return f.Name
	}
	return tag
}
