// Package notify exchanges "document changed" hints between instances that
// share one operation log store. A hint is never the ordering authority:
// receivers re-read the log and fan out what they find there.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dohr-michael/huddle/internal/events"
	"github.com/dohr-michael/huddle/internal/metrics"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "huddle:changes"

// Hint is the message published after an accepted append.
type Hint struct {
	Document string `json:"document"`
	Version  int64  `json:"version"`
	Origin   string `json:"origin"`
}

// Refresher pulls records appended elsewhere. Implemented by oplog.Log.
type Refresher interface {
	Refresh(ctx context.Context, documentID string) (int64, error)
}

// Notifier publishes and receives hints over Redis pub/sub.
type Notifier struct {
	rc      *redis.Client
	channel string
	origin  string

	readyOnce sync.Once
	ready     chan struct{}
}

// New wraps an existing client. origin identifies this instance; hints it
// published itself are ignored on receipt.
func New(rc *redis.Client, channel, origin string) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	if origin == "" {
		origin = uuid.NewString()
	}
	return &Notifier{rc: rc, channel: channel, origin: origin, ready: make(chan struct{})}
}

// Dial connects to the Redis server at url (redis://host:port/db).
func Dial(ctx context.Context, url, channel string) (*Notifier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rc, channel, ""), nil
}

// Origin returns this instance's id.
func (n *Notifier) Origin() string { return n.origin }

// Ready is closed once the first subscription is confirmed.
func (n *Notifier) Ready() <-chan struct{} { return n.ready }

// Publish announces that documentID reached version.
func (n *Notifier) Publish(ctx context.Context, documentID string, version int64) error {
	data, err := json.Marshal(Hint{Document: documentID, Version: version, Origin: n.origin})
	if err != nil {
		return err
	}
	return n.rc.Publish(ctx, n.channel, data).Err()
}

// Run receives hints until ctx is cancelled, refreshing each named document
// from the shared store. The subscription is re-established if it drops.
func (n *Notifier) Run(ctx context.Context, r Refresher, bus *events.Bus) {
	for {
		n.receive(ctx, r, bus)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("change hint subscription closed, reconnecting", "channel", n.channel)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (n *Notifier) receive(ctx context.Context, r Refresher, bus *events.Bus) {
	sub := n.rc.Subscribe(ctx, n.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		slog.Debug("subscribe", "channel", n.channel, "error", err)
		return
	}
	n.readyOnce.Do(func() { close(n.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var h Hint
			if err := json.Unmarshal([]byte(msg.Payload), &h); err != nil {
				slog.Error("unable to parse change hint", "error", err)
				continue
			}
			if h.Origin == n.origin || h.Document == "" {
				continue
			}
			metrics.RemoteHintsTotal.Inc()

			v, err := r.Refresh(ctx, h.Document)
			if err != nil {
				slog.Error("refresh after hint", "document", h.Document, "error", err)
				continue
			}
			slog.Debug("document refreshed", "document", h.Document, "hinted", h.Version, "version", v)
			if bus != nil {
				bus.Publish(events.NewTypedEvent(events.SourceNotify, h.Document,
					events.RemoteChangePayload{Version: h.Version, Origin: h.Origin}))
			}
		}
	}
}

// Close closes the Redis client.
func (n *Notifier) Close() error {
	return n.rc.Close()
}
