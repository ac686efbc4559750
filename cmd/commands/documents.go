package commands

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/huddle/internal/document"
	"github.com/dohr-michael/huddle/internal/scheduler"
)

// NewDocumentsCommand returns the documents subcommand.
func NewDocumentsCommand() *cli.Command {
	return &cli.Command{
		Name:   "documents",
		Usage:  "List stored documents",
		Action: runDocuments,
	}
}

// NewSnapshotCommand returns the snapshot subcommand.
func NewSnapshotCommand() *cli.Command {
	return &cli.Command{
		Name:      "snapshot",
		Usage:     "Print the current state of a document",
		ArgsUsage: "<document_id>",
		Action:    runSnapshot,
	}
}

// NewReplayCommand returns the replay subcommand.
func NewReplayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Rebuild a document from its full log and compare it with the served state",
		ArgsUsage: "<document_id>",
		Action:    runReplay,
	}
}

// NewCompactCommand returns the compact subcommand.
func NewCompactCommand() *cli.Command {
	return &cli.Command{
		Name:      "compact",
		Usage:     "Write document snapshots (stop the server first when using the file driver)",
		ArgsUsage: "[document_id]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "min",
				Usage: "Only compact documents with at least this many operations since the last snapshot",
			},
		},
		Action: runCompact,
	}
}

func runDocuments(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, store, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := log.Documents(ctx)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}

	type row struct {
		ID       string `json:"id"`
		Version  int64  `json:"version"`
		Snapshot int64  `json:"snapshot_version"`
	}
	rows := make([]row, 0, len(ids))
	for _, id := range ids {
		v, err := log.CurrentVersion(ctx, id)
		if err != nil {
			return fmt.Errorf("version %s: %w", id, err)
		}
		sv, err := log.SnapshotVersion(ctx, id)
		if err != nil {
			return fmt.Errorf("snapshot version %s: %w", id, err)
		}
		rows = append(rows, row{ID: id, Version: v, Snapshot: sv})
	}

	if wantJSON(cmd) {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("No documents found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSNAPSHOT")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\t%d\n", r.ID, r.Version, r.Snapshot)
	}
	return w.Flush()
}

func runSnapshot(ctx context.Context, cmd *cli.Command) error {
	documentID := cmd.Args().First()
	if documentID == "" {
		return fmt.Errorf("document_id is required")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, store, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	doc, err := log.Snapshot(ctx, documentID)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if wantJSON(cmd) {
		return printJSON(doc)
	}

	fmt.Printf("%s @ version %d\n\n", doc.ID, doc.Version)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PARTICIPANT\tLIST\tROW\tCONTENT\tBADGES")
	for _, p := range slices.Sorted(maps.Keys(doc.Participants)) {
		for _, kind := range []document.ListKind{document.ListTodo, document.ListBlocker, document.ListDone} {
			for _, id := range doc.List(p, kind) {
				row, ok := doc.Row(id)
				if !ok {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p, kind, row.ID, row.Content, badgeLabels(row.Badges))
			}
		}
	}
	return w.Flush()
}

func badgeLabels(badges []document.Badge) string {
	if len(badges) == 0 {
		return "-"
	}
	labels := make([]string, len(badges))
	for i, b := range badges {
		labels[i] = b.Label
		if b.Status != "" {
			labels[i] += " (" + b.Status + ")"
		}
	}
	return strings.Join(labels, ", ")
}

func runReplay(ctx context.Context, cmd *cli.Command) error {
	documentID := cmd.Args().First()
	if documentID == "" {
		return fmt.Errorf("document_id is required")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, store, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	served, err := log.Snapshot(ctx, documentID)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	rebuilt, err := log.Rebuild(ctx, documentID)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	want, err := served.Checksum()
	if err != nil {
		return err
	}
	got, err := rebuilt.Checksum()
	if err != nil {
		return err
	}

	if wantJSON(cmd) {
		if err := printJSON(map[string]any{
			"document_id": documentID,
			"version":     served.Version,
			"served":      want,
			"rebuilt":     got,
			"converged":   want == got,
		}); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s @ version %d\n  served   %s\n  rebuilt  %s\n", documentID, served.Version, want, got)
	}
	if want != got {
		return fmt.Errorf("document %s diverged: replay from an empty document does not reproduce the served state", documentID)
	}
	return nil
}

func runCompact(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cmd, cfg.Events.LogLevel)
	log, store, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	minOps := cfg.Compaction.MinOperations
	if cmd.IsSet("min") {
		minOps = int64(cmd.Int("min"))
	}
	c, err := scheduler.NewCompactor(scheduler.Config{Log: log, MinOperations: minOps})
	if err != nil {
		return err
	}

	if documentID := cmd.Args().First(); documentID != "" {
		written, err := c.CompactDocument(ctx, documentID, !cmd.IsSet("min"))
		if err != nil {
			return fmt.Errorf("compact %s: %w", documentID, err)
		}
		if written {
			fmt.Printf("Snapshot written for %s.\n", documentID)
		} else {
			fmt.Printf("%s is below the threshold, nothing written.\n", documentID)
		}
		return nil
	}

	res, err := c.RunOnce(ctx)
	if err != nil {
		return err
	}
	if wantJSON(cmd) {
		failed := make(map[string]string, len(res.Failed))
		for id, err := range res.Failed {
			failed[id] = err.Error()
		}
		return printJSON(map[string]any{"written": res.Written, "skipped": res.Skipped, "failed": failed})
	}
	fmt.Printf("Written: %d, skipped: %d, failed: %d\n", len(res.Written), res.Skipped, len(res.Failed))
	for id, err := range res.Failed {
		fmt.Printf("  %s: %v\n", id, err)
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d documents failed to compact", len(res.Failed))
	}
	return nil
}
