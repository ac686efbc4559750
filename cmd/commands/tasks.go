package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/huddle/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand. It reads the local file
// task store; tasks kept by an external service are not listed.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect tasks created from meeting notes",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "document", Usage: "Only tasks created from this document"},
					&cli.StringFlag{Name: "assignee", Usage: "Only tasks assigned to this user"},
					&cli.StringFlag{Name: "status", Usage: "Only tasks with this status"},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "done",
				Usage:     "Mark a task as done",
				ArgsUsage: "<task_id>",
				Action:    runTasksDone,
			},
		},
		DefaultCommand: "list",
	}
}

func newTaskStore(cmd *cli.Command) (*tasks.FileStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Tasks.Driver != "file" {
		return nil, fmt.Errorf("tasks are kept by the %q driver, not locally", cfg.Tasks.Driver)
	}
	return tasks.NewFileStore(cfg.Tasks.Dir), nil
}

func runTasksList(_ context.Context, cmd *cli.Command) error {
	store, err := newTaskStore(cmd)
	if err != nil {
		return err
	}

	list, err := store.List(tasks.ListFilter{
		DocumentID: cmd.String("document"),
		AssigneeID: cmd.String("assignee"),
		Status:     tasks.TaskStatus(cmd.String("status")),
	})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if wantJSON(cmd) {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tASSIGNEE\tDUE\tTITLE")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.Status,
			t.Priority,
			orDash(t.AssigneeID),
			orDash(t.Due),
			t.Title,
		)
	}
	return w.Flush()
}

func runTasksShow(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: huddle tasks show <task_id>")
	}
	store, err := newTaskStore(cmd)
	if err != nil {
		return err
	}

	t, err := store.Get(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	history, _ := store.LoadHistory(taskID)

	if wantJSON(cmd) {
		return printJSON(struct {
			*tasks.Task
			History []tasks.HistoryEntry `json:"history"`
		}{t, history})
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Title:       %s\n", t.Title)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Priority:    %s\n", t.Priority)
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.AssigneeID != "" {
		fmt.Printf("Assignee:    %s\n", t.AssigneeID)
	}
	if t.Due != "" {
		fmt.Printf("Due:         %s\n", t.Due)
	}
	if t.Origin.DocumentID != "" {
		fmt.Printf("From:        %s (row %s, by %s)\n", t.Origin.DocumentID, t.Origin.RowID, t.Origin.Participant)
	}
	if t.Description != "" {
		fmt.Printf("\nDescription:\n%s\n", t.Description)
	}

	if len(history) > 0 {
		fmt.Println("\nHistory:")
		for _, h := range history {
			fmt.Printf("  [%s] %s: %s\n", h.Ts.Format("15:04:05"), h.Type, h.Status)
		}
	}
	return nil
}

func runTasksDone(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: huddle tasks done <task_id>")
	}
	store, err := newTaskStore(cmd)
	if err != nil {
		return err
	}

	t, err := store.Get(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if t.Status == tasks.TaskDone {
		fmt.Printf("Task %s is already done.\n", taskID)
		return nil
	}

	t.Status = tasks.TaskDone
	if err := store.Update(t); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	fmt.Printf("Task %s done.\n", taskID)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
