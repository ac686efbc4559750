package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/huddle/internal/config"
	"github.com/dohr-michael/huddle/internal/secrets"
)

// NewSecretCommand returns the secret subcommand.
func NewSecretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "Manage age-encrypted config values",
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "Create the age key if it does not exist and print its public key",
				Action: runSecretKeygen,
			},
			{
				Name:      "encrypt",
				Usage:     "Print the ENC[age:...] form of a value, for use in config.jsonc",
				ArgsUsage: "<value>",
				Action:    runSecretEncrypt,
			},
			{
				Name:      "set",
				Usage:     "Store an encrypted value in the .env file",
				ArgsUsage: "<KEY> <value>",
				Action:    runSecretSet,
			},
		},
	}
}

func runSecretKeygen(_ context.Context, _ *cli.Command) error {
	path := secrets.KeyPath()
	if err := secrets.GenerateIdentity(path); err != nil {
		return err
	}
	id, err := secrets.LoadIdentity(path)
	if err != nil {
		return err
	}
	fmt.Printf("Key: %s\nPublic key: %s\n", path, id.Recipient())
	return nil
}

func runSecretEncrypt(_ context.Context, cmd *cli.Command) error {
	value := cmd.Args().First()
	if value == "" {
		return fmt.Errorf("usage: huddle secret encrypt <value>")
	}
	id, err := secrets.LoadIdentity(secrets.KeyPath())
	if err != nil {
		return fmt.Errorf("load key (run 'huddle secret keygen' first): %w", err)
	}
	blob, err := secrets.Encrypt(value, id.Recipient())
	if err != nil {
		return err
	}
	fmt.Println(blob)
	return nil
}

func runSecretSet(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("usage: huddle secret set <KEY> <value>")
	}
	key, value := cmd.Args().Get(0), cmd.Args().Get(1)
	id, err := secrets.LoadIdentity(secrets.KeyPath())
	if err != nil {
		return fmt.Errorf("load key (run 'huddle secret keygen' first): %w", err)
	}
	path := config.DotenvPath()
	if err := secrets.SetEncrypted(path, key, value, id.Recipient()); err != nil {
		return err
	}
	fmt.Printf("%s stored in %s. Reference it as ${{ .Env.%s }}.\n", key, path, key)
	return nil
}
