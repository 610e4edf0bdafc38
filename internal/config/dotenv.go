package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dohr-michael/agentrunner/internal/secrets"
)

// LoadDotenv reads a .env file and sets environment variables that are not already defined.
// ENC[age:...] values are decrypted with the key at AgeKeyPath.
// Missing file is silently ignored.
func LoadDotenv(path string) error {
	return readDotenv(path, false)
}

// ReloadDotenv re-reads a .env file and overrides variables it defines.
func ReloadDotenv(path string) error {
	return readDotenv(path, true)
}

func readDotenv(path string, override bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	keyring := secrets.NewKeyring(AgeKeyPath())
	var errs []error
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))

		if _, exists := os.LookupEnv(key); exists && !override {
			continue
		}
		plain, err := keyring.Open(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("decrypt %s: %w", key, err))
			continue
		}
		os.Setenv(key, plain)
	}
	errs = append(errs, scanner.Err())
	return errors.Join(errs...)
}

// unquote strips matching surrounding quotes (single or double).
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
