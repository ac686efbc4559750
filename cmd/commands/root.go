package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/huddle/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "huddle",
		Usage: "Real-time collaborative meeting notes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print JSON even on a terminal",
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewStatusCommand(),
			NewDocumentsCommand(),
			NewSnapshotCommand(),
			NewReplayCommand(),
			NewCompactCommand(),
			NewTailCommand(),
			NewTasksCommand(),
			NewSecretCommand(),
		},
	}
}
