package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/huddle/internal/collab"
	"github.com/dohr-michael/huddle/internal/config"
	"github.com/dohr-michael/huddle/internal/directory"
	"github.com/dohr-michael/huddle/internal/events"
	"github.com/dohr-michael/huddle/internal/gateway"
	"github.com/dohr-michael/huddle/internal/heartbeat"
	"github.com/dohr-michael/huddle/internal/notify"
	"github.com/dohr-michael/huddle/internal/scheduler"
	"github.com/dohr-michael/huddle/internal/sessions"
	"github.com/dohr-michael/huddle/internal/slash"
	"github.com/dohr-michael/huddle/internal/storage"
	"github.com/dohr-michael/huddle/internal/tasks"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the huddle server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.StringFlag{
				Name:  "storage",
				Usage: "Storage driver (file, sqlite, memory)",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cmd, cfg.Events.LogLevel)

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("storage") {
		cfg.Storage.Driver = cmd.String("storage")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Event bus and audit trail
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()
	if cfg.Events.AuditDir != "-" {
		audit := storage.NewEventLogger(cfg.Events.AuditDir, bus)
		defer audit.Close()
	}

	var degraded atomic.Bool
	unsubscribe := bus.Subscribe(func(e events.Event) {
		degraded.Store(e.Type == events.EventLogDegraded)
	}, events.EventLogDegraded, events.EventOperationAccepted)
	defer unsubscribe()

	// Operation log
	log, store, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("storage opened", "driver", cfg.Storage.Driver, "path", storageTarget(cfg))

	// Directory
	dir := directory.Open()
	if cfg.Directory.Path != "" {
		if dir, err = directory.Load(cfg.Directory.Path); err != nil {
			return fmt.Errorf("load directory: %w", err)
		}
	}

	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), cfg)
	reloader.OnReload(func(next *config.Config) {
		if next.Directory.Path != cfg.Directory.Path {
			slog.Warn("directory path changed, restart to apply", "path", next.Directory.Path)
		}
		if err := dir.Reload(); err != nil {
			slog.Error("directory reload failed", "error", err)
		}
	})
	go reloader.WatchSignals(ctx)

	// Session coordinator
	reg := sessions.NewRegistry(log, bus, sessions.Config{
		SnapshotThreshold: cfg.Sessions.SnapshotThreshold,
		HeartbeatGrace:    cfg.Sessions.HeartbeatGrace.Duration(),
		ReapInterval:      cfg.Sessions.ReapInterval.Duration(),
		SendBuffer:        cfg.Sessions.SendBuffer,
		SendTimeout:       cfg.Sessions.SendTimeout.Duration(),
	})
	log.OnAccepted(reg.Accepted)
	go reg.Run(ctx)
	defer reg.CloseAll()

	// Task collaborator
	var creator tasks.Creator
	var tasksHandler http.Handler
	switch cfg.Tasks.Driver {
	case "file":
		fs := tasks.NewFileStore(cfg.Tasks.Dir)
		creator = fs
		tasksHandler = tasks.Handler(fs, cfg.Tasks.Token)
	case "http":
		creator = tasks.NewClient(cfg.Tasks.BaseURL, cfg.Tasks.Token)
	}

	var interp *slash.Interpreter
	if cfg.Commands.On() && creator != nil {
		interp = slash.NewInterpreter(creator, dir, cfg.Commands.Timeout.Duration())
	}

	opts := collab.Options{Commands: interp, Bus: bus}

	// Cross-instance hints
	if cfg.Notify.RedisURL != "" {
		n, err := notify.Dial(ctx, cfg.Notify.RedisURL, cfg.Notify.Channel)
		if err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		defer n.Close()
		go n.Run(ctx, log, bus)
		opts.Hints = n
		slog.Info("change hints enabled", "origin", n.Origin())
	}

	svc := collab.New(log, reg, dir, opts)

	// Compaction
	compactor, err := scheduler.NewCompactor(scheduler.Config{
		Log:           log,
		Bus:           bus,
		Schedule:      cfg.Compaction.Schedule,
		MinOperations: cfg.Compaction.MinOperations,
	})
	if err != nil {
		return fmt.Errorf("compactor: %w", err)
	}
	compactor.Start()
	defer compactor.Stop()

	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))

	// Heartbeat
	hb := heartbeat.NewWriter(config.HeartbeatPath(), func() heartbeat.Stats {
		docs, _ := log.Documents(ctx)
		return heartbeat.Stats{
			Addr:      addr,
			Storage:   cfg.Storage.Driver,
			Documents: len(docs),
			Sessions:  reg.Count(),
			Degraded:  degraded.Load(),
		}
	})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		if err := hb.Run(ctx); err != nil {
			slog.Warn("heartbeat disabled", "error", err)
		}
	}()
	defer func() {
		cancel()
		<-hbDone
	}()

	// Gateway server
	server := gateway.NewServer(svc, bus, gateway.Options{
		Host:  cfg.Gateway.Host,
		Port:  cfg.Gateway.Port,
		Tasks: tasksHandler,
		Ready: func(ctx context.Context) error {
			_, err := store.ListDocuments(ctx)
			return err
		},
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// Wait for signal or error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
