// Package scheduler runs snapshot compaction on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/huddle/internal/events"
	"github.com/dohr-michael/huddle/internal/metrics"
)

// DefaultMinOperations is how many records must follow the stored snapshot
// before a document is compacted again.
const DefaultMinOperations = 200

// Log is the part of oplog.Log the compactor needs.
type Log interface {
	Documents(ctx context.Context) ([]string, error)
	CurrentVersion(ctx context.Context, documentID string) (int64, error)
	SnapshotVersion(ctx context.Context, documentID string) (int64, error)
	Compact(ctx context.Context, documentID string) (int64, error)
}

// Config holds dependencies for the compactor.
type Config struct {
	Log           Log
	Bus           *events.Bus // optional
	Schedule      string      // cron expression; empty disables the loop
	MinOperations int64
}

// Result reports one compaction pass.
type Result struct {
	Written []string
	Skipped int
	Failed  map[string]error
}

// Compactor periodically writes document snapshots so loads replay fewer
// records.
type Compactor struct {
	log      Log
	bus      *events.Bus
	schedule *Schedule
	min      int64
	now      func() time.Time

	mu      sync.Mutex
	lastRun time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewCompactor validates cfg and creates a Compactor.
func NewCompactor(cfg Config) (*Compactor, error) {
	if cfg.Log == nil {
		return nil, errors.New("compactor requires a log")
	}
	c := &Compactor{
		log:  cfg.Log,
		bus:  cfg.Bus,
		min:  cfg.MinOperations,
		now:  time.Now,
		done: make(chan struct{}),
	}
	if c.min <= 0 {
		c.min = DefaultMinOperations
	}
	if cfg.Schedule != "" {
		sched, err := ParseSchedule(cfg.Schedule)
		if err != nil {
			return nil, err
		}
		c.schedule = sched
	}
	return c, nil
}

// Start begins the cron loop. It is a no-op without a schedule.
func (c *Compactor) Start() {
	if c.schedule == nil {
		slog.Info("compactor disabled: no schedule")
		return
	}
	slog.Info("compactor started", "schedule", c.schedule.String(), "next", c.schedule.Next(c.now()), "min_operations", c.min)
	c.wg.Add(1)
	go c.loop()
}

// Stop halts the loop and waits for a running pass to finish.
func (c *Compactor) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.wg.Wait()
}

// LastRun returns when the last pass started.
func (c *Compactor) LastRun() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun
}

func (c *Compactor) loop() {
	defer c.wg.Done()
	for {
		now := c.now()
		wait := c.schedule.Next(now).Sub(now)
		timer := time.NewTimer(wait)
		select {
		case <-c.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		res, err := c.RunOnce(ctx)
		cancel()
		if err != nil {
			slog.Error("compaction pass failed", "error", err)
			continue
		}
		slog.Info("compaction pass", "written", len(res.Written), "skipped", res.Skipped, "failed", len(res.Failed))
	}
}

// RunOnce compacts every document whose log grew by at least
// MinOperations records since its stored snapshot.
func (c *Compactor) RunOnce(ctx context.Context) (Result, error) {
	c.mu.Lock()
	c.lastRun = c.now()
	c.mu.Unlock()

	ids, err := c.log.Documents(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{Failed: make(map[string]error)}
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		written, err := c.CompactDocument(ctx, id, false)
		switch {
		case err != nil:
			res.Failed[id] = err
		case written:
			res.Written = append(res.Written, id)
		default:
			res.Skipped++
		}
	}
	return res, nil
}

// CompactDocument compacts one document. Unless force is set, documents
// below the MinOperations threshold are skipped.
func (c *Compactor) CompactDocument(ctx context.Context, documentID string, force bool) (bool, error) {
	if !force {
		current, err := c.log.CurrentVersion(ctx, documentID)
		if err != nil {
			metrics.CompactionsTotal.WithLabelValues("failed").Inc()
			return false, err
		}
		snap, err := c.log.SnapshotVersion(ctx, documentID)
		if err != nil {
			metrics.CompactionsTotal.WithLabelValues("failed").Inc()
			return false, err
		}
		if current-snap < c.min {
			metrics.CompactionsTotal.WithLabelValues("skipped").Inc()
			return false, nil
		}
	}

	v, err := c.log.Compact(ctx, documentID)
	if err != nil {
		metrics.CompactionsTotal.WithLabelValues("failed").Inc()
		slog.Error("compact document", "document", documentID, "error", err)
		return false, fmt.Errorf("compact %s: %w", documentID, err)
	}
	metrics.CompactionsTotal.WithLabelValues("written").Inc()
	slog.Debug("snapshot written", "document", documentID, "version", v)
	if c.bus != nil {
		c.bus.Publish(events.NewTypedEvent(events.SourceCompactor, documentID, events.SnapshotWrittenPayload{Version: v}))
	}
	return true, nil
}
