package models

import (
	"fmt"
	"os"
	"strings"

	"github.com/dohr-michael/agentrunner/internal/config"
	"github.com/dohr-michael/agentrunner/internal/secrets"
)

// AuthKind distinguishes between API key and Bearer token auth.
type AuthKind int

const (
	AuthAPIKey AuthKind = iota
	AuthBearerToken
)

// ResolvedAuth holds the resolved credentials and their kind.
type ResolvedAuth struct {
	Kind  AuthKind
	Value string
}

// ResolveAuth resolves the credentials for a provider.
// Resolution order: direct token, direct api_key, driver default env.
// ${VAR} references read the environment and ENC[age:...] values are
// opened with the key at config.AgeKeyPath.
func ResolveAuth(cfg config.ProviderConfig) (ResolvedAuth, error) {
	d, ok := drivers[strings.ToLower(cfg.Driver)]
	if !ok {
		return ResolvedAuth{}, fmt.Errorf("unknown driver %q: cannot resolve auth", cfg.Driver)
	}

	keyring := secrets.NewKeyring(config.AgeKeyPath())
	resolve := func(field, raw string) (string, error) {
		v := strings.TrimSpace(raw)
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			v = os.Getenv(v[2 : len(v)-1])
		}
		plain, err := keyring.Open(v)
		if err != nil {
			return "", fmt.Errorf("decrypt %s: %w", field, err)
		}
		return plain, nil
	}

	token, err := resolve("auth.token", cfg.Auth.Token)
	if err != nil {
		return ResolvedAuth{}, err
	}
	if token != "" {
		return ResolvedAuth{Kind: AuthBearerToken, Value: token}, nil
	}
	apiKey, err := resolve("auth.api_key", cfg.Auth.APIKey)
	if err != nil {
		return ResolvedAuth{}, err
	}
	if apiKey != "" {
		return ResolvedAuth{Kind: AuthAPIKey, Value: apiKey}, nil
	}

	if len(d.envKeys) == 0 {
		return ResolvedAuth{}, nil
	}
	for _, name := range d.envKeys {
		key, err := resolve(name, os.Getenv(name))
		if err != nil {
			return ResolvedAuth{}, err
		}
		if key != "" {
			return ResolvedAuth{Kind: AuthAPIKey, Value: key}, nil
		}
	}
	return ResolvedAuth{}, fmt.Errorf("%s not set", strings.Join(d.envKeys, " or "))
}
