package config

import (
	"os"
	"path/filepath"

	"github.com/dohr-michael/agentrunner/internal/secrets"
)

// HomePath returns the root directory for agent runner data.
// It uses $AGENTRUNNER_PATH if set, otherwise defaults to ~/.agentrunner.
func HomePath() string {
	if v := os.Getenv("AGENTRUNNER_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".agentrunner")
	}
	return filepath.Join(home, ".agentrunner")
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	return filepath.Join(HomePath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(HomePath(), ".env")
}

// AgeKeyPath returns the path to the age identity that opens ENC[age:...] values.
func AgeKeyPath() string {
	return filepath.Join(HomePath(), secrets.KeyFileName)
}
