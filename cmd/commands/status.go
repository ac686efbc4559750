package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/huddle/internal/config"
	"github.com/dohr-michael/huddle/internal/heartbeat"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show huddle server status",
		Action: func(_ context.Context, cmd *cli.Command) error {
			status, hb, err := heartbeat.Check(config.HeartbeatPath(), 2*time.Minute)
			if err != nil {
				return fmt.Errorf("check heartbeat: %w", err)
			}

			if wantJSON(cmd) {
				return printJSON(struct {
					Status    heartbeat.Status     `json:"status"`
					Heartbeat *heartbeat.Heartbeat `json:"heartbeat,omitempty"`
				}{status, hb})
			}

			switch status {
			case heartbeat.StatusAlive:
				fmt.Printf("Server: ALIVE (PID %d, uptime %s)\n", hb.PID, hb.Uptime)
			case heartbeat.StatusStale:
				fmt.Printf("Server: STALE (PID %d, last heartbeat %s ago)\n",
					hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
			case heartbeat.StatusDead:
				if hb == nil {
					fmt.Println("Server: NOT RUNNING")
					return nil
				}
				fmt.Printf("Server: NOT RUNNING (PID %d exited without cleanup, last heartbeat %s)\n",
					hb.PID, hb.Timestamp.Format(time.RFC3339))
			}

			fmt.Printf("  listening  %s\n", hb.Addr)
			fmt.Printf("  storage    %s\n", hb.Storage)
			fmt.Printf("  documents  %d\n", hb.Documents)
			fmt.Printf("  sessions   %d\n", hb.Sessions)
			if hb.Degraded {
				fmt.Println("  log        DEGRADED")
			}
			return nil
		},
	}
}
