package commands

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/agentrunner/internal/config"
	"github.com/dohr-michael/agentrunner/internal/secrets"
)

// NewSecretsCommand returns the secrets subcommand.
func NewSecretsCommand() *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "Manage the age key and encrypted credentials",
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "Create the age key pair used to seal credentials",
				Action: runSecretsKeygen,
			},
			{
				Name:      "encrypt",
				Usage:     "Print a value sealed as ENC[age:...]",
				ArgsUsage: "<value>",
				Action:    runSecretsEncrypt,
			},
			{
				Name:      "set",
				Usage:     "Seal a value and store it in the .env file",
				ArgsUsage: "<KEY> <value>",
				Action:    runSecretsSet,
			},
		},
	}
}

func runSecretsKeygen(_ context.Context, _ *cli.Command) error {
	path := config.AgeKeyPath()
	recipient, err := secrets.GenerateIdentity(path)
	if err != nil {
		return err
	}
	fmt.Printf("Key:        %s\n", path)
	fmt.Printf("Public key: %s\n", recipient)
	return nil
}

func runSecretsEncrypt(_ context.Context, cmd *cli.Command) error {
	value := cmd.Args().First()
	if value == "" {
		return fmt.Errorf("usage: agentrunner secrets encrypt <value>")
	}
	sealed, err := sealValue(config.AgeKeyPath(), value)
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}

func runSecretsSet(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("usage: agentrunner secrets set <KEY> <value>")
	}
	key := cmd.Args().Get(0)
	if err := storeSecret(config.AgeKeyPath(), config.DotenvPath(), key, cmd.Args().Get(1)); err != nil {
		return err
	}
	fmt.Printf("%s stored in %s. Send SIGHUP to a running server to reload it.\n", key, config.DotenvPath())
	return nil
}

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// sealValue encrypts value for the identity stored at keyPath.
func sealValue(keyPath, value string) (string, error) {
	if secrets.IsEncrypted(value) {
		return value, nil
	}
	identity, err := secrets.LoadIdentity(keyPath)
	if err != nil {
		return "", fmt.Errorf("%w (run `agentrunner secrets keygen` first)", err)
	}
	return secrets.Encrypt(value, identity.Recipient())
}

// storeSecret seals value and writes it under key in the dotenv file.
func storeSecret(keyPath, envPath, key, value string) error {
	key = strings.TrimSpace(key)
	if !envKeyRe.MatchString(key) {
		return fmt.Errorf("invalid variable name %q", key)
	}
	sealed, err := sealValue(keyPath, value)
	if err != nil {
		return err
	}
	if err := secrets.SetEntry(envPath, key, sealed); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}
