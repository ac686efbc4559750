package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/huddle/internal/config"
	"github.com/dohr-michael/huddle/internal/oplog"
	"github.com/dohr-michael/huddle/internal/secrets"
	"github.com/dohr-michael/huddle/internal/storage"
)

// loadConfig reads the config file named by --config and decrypts any
// ENC[age:...] fields.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := secrets.ResolveConfig(cfg, secrets.KeyPath()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging installs the default slog handler. --debug wins over level.
func setupLogging(cmd *cli.Command, level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if cmd.Bool("debug") {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// storageTarget returns the path the configured driver opens.
func storageTarget(cfg *config.Config) string {
	if cfg.Storage.Driver == "sqlite" {
		return cfg.Storage.DSN
	}
	return cfg.Storage.Dir
}

// openLog opens the configured store and wraps it in an operation log.
// The caller closes the returned store.
func openLog(cfg *config.Config) (*oplog.Log, storage.Store, error) {
	store, err := storage.Open(cfg.Storage.Driver, storageTarget(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return oplog.New(store), store, nil
}

// wantJSON reports whether output should be JSON: when asked for, or when
// stdout is piped.
func wantJSON(cmd *cli.Command) bool {
	return cmd.Bool("json") || !term.IsTerminal(int(os.Stdout.Fd()))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
