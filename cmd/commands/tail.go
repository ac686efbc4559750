package commands

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/huddle/clients/ws"
	"github.com/dohr-michael/huddle/internal/document"
	wsprotocol "github.com/dohr-michael/huddle/internal/gateway/ws"
	"github.com/dohr-michael/huddle/internal/sessions"
)

// NewTailCommand returns the tail subcommand.
func NewTailCommand() *cli.Command {
	return &cli.Command{
		Name:      "tail",
		Usage:     "Follow the operations applied to a document on a running server",
		ArgsUsage: "<document_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "Server base URL (default: the configured gateway address)",
			},
			&cli.StringFlag{
				Name:  "as",
				Usage: "Participant id to connect as",
				Value: "huddle-cli",
			},
			&cli.IntFlag{
				Name:  "since",
				Usage: "Resume from this version instead of printing a snapshot",
				Value: -1,
			},
		},
		Action: runTail,
	}
}

func runTail(ctx context.Context, cmd *cli.Command) error {
	documentID := cmd.Args().First()
	if documentID == "" {
		return fmt.Errorf("document_id is required")
	}

	base := cmd.String("server")
	if base == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		base = "http://" + net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	}

	opts := wsclient.Options{DocumentID: documentID, Participant: cmd.String("as")}
	if since := int64(cmd.Int("since")); since >= 0 {
		opts.Since = &since
	}

	c, err := wsclient.Dial(ctx, base, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Heartbeat(); err != nil {
					return
				}
			}
		}
	}()

	jsonOut := wantJSON(cmd)
	for {
		f, err := c.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("server closed the session: %s", status)
			}
			return err
		}
		if f.Type != wsprotocol.FrameTypeEvent {
			continue
		}
		msg, err := wsclient.Message(f)
		if err != nil {
			return err
		}
		if jsonOut {
			if err := printJSON(msg); err != nil {
				return err
			}
			continue
		}
		printMessage(msg)
	}
}

func printMessage(msg sessions.Message) {
	switch msg.Type {
	case sessions.MsgSnapshot:
		if msg.Snapshot != nil {
			fmt.Printf("snapshot  v%d  %d rows\n", msg.Snapshot.Version, len(msg.Snapshot.Rows))
		}
	case sessions.MsgOperations:
		for _, rec := range msg.Records {
			printRecord(rec)
		}
	case sessions.MsgOperation:
		if msg.Record != nil {
			printRecord(*msg.Record)
		}
	case sessions.MsgCaughtUp:
		fmt.Printf("caught up at v%d\n", msg.Version)
	default:
		detail := msg.Error
		if detail == "" && msg.Detail != nil {
			detail = fmt.Sprint(msg.Detail)
		}
		fmt.Printf("%s  %s\n", msg.Type, detail)
	}
}

func printRecord(rec document.Record) {
	fmt.Printf("v%-6d %-12s %-12s %s %q\n", rec.Version, rec.Op.Kind, rec.Op.Participant, rec.Op.RowID, rec.Op.Content)
}
