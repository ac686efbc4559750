package config

import (
	"os"
	"path/filepath"
)

// HuddlePath returns the root directory for huddle data.
// It uses $HUDDLE_PATH if set, otherwise defaults to ~/.huddle.
func HuddlePath() string {
	if v := os.Getenv("HUDDLE_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".huddle")
	}
	return filepath.Join(home, ".huddle")
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	return filepath.Join(HuddlePath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(HuddlePath(), ".env")
}

// HeartbeatPath returns the path of the server's liveness file.
func HeartbeatPath() string {
	return filepath.Join(HuddlePath(), "heartbeat.json")
}
