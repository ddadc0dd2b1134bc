// Package watch follows a live query and journals every change it sees.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"transactor-client/internal/adapter/journal"
	"transactor-client/internal/domain"
	"transactor-client/internal/usecase/scheduling"
	"transactor-client/internal/usecase/subscription"
	"transactor-client/internal/usecase/transactor"
)

// Journal records observed events.
type Journal interface {
	Append(ctx context.Context, e journal.Entry) (int64, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Event is what a watcher hands to its Handler.
type Event = domain.LiveQueryEvent[json.RawMessage]

// Handler observes every event after it was journaled.
type Handler func(ctx context.Context, ev Event)

// Config selects what to watch and how long to keep journal entries.
type Config struct {
	Class   domain.Ref
	Query   any
	Options domain.FindOptions

	// Retention of zero disables pruning.
	Retention     time.Duration
	PruneSchedule string
}

var errResync = errors.New("resync")

// Watcher runs a live query over a streaming backend.
type Watcher[B subscription.Streamer] struct {
	client    *transactor.Client[B]
	journal   Journal
	handler   Handler
	scheduler *scheduling.Scheduler
	cfg       Config
	logger    *slog.Logger
}

// New creates a Watcher. j and h may be nil.
func New[B subscription.Streamer](c *transactor.Client[B], j Journal, h Handler, cfg Config, logger *slog.Logger) (*Watcher[B], error) {
	if cfg.Class == "" {
		return nil, fmt.Errorf("watch: class: %w", domain.ErrInvalidInput)
	}
	if cfg.Query == nil {
		cfg.Query = map[string]any{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher[B]{
		client:  c,
		journal: j,
		handler: h,
		cfg:     cfg,
		logger:  logger,
	}

	if j != nil && cfg.Retention > 0 {
		w.scheduler = scheduling.NewScheduler(logger)
		if err := w.scheduler.Add(scheduling.Job{
			Name:     "journal-prune",
			Schedule: cfg.PruneSchedule,
			Run:      w.prune,
		}); err != nil {
			return nil, fmt.Errorf("watch: %w", err)
		}
	}
	return w, nil
}

// Run follows the live query until ctx is canceled (returns nil) or the
// session ends (returns domain.ErrSubscriptionClosed). A lagged
// subscription restarts the live query so the next snapshot resyncs state.
func (w *Watcher[B]) Run(ctx context.Context) error {
	if w.scheduler != nil {
		w.scheduler.Start(ctx)
		defer w.scheduler.Stop()
	}

	for {
		err := w.follow(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errResync):
			w.logger.Warn("watch: subscription lagged, resyncing", "class", w.cfg.Class)
		default:
			return domain.WrapOp("watch", err)
		}
	}
}

func (w *Watcher[B]) follow(ctx context.Context) error {
	live := subscription.LiveQuery[json.RawMessage](ctx, w.client, w.cfg.Class, w.cfg.Query, w.cfg.Options, w.logger)
	defer live.Close()

	synced := false
	for {
		ev, err := live.Next(ctx)
		switch {
		case err == nil:
		case !synced:
			return err
		case domain.IsLagged(err):
			return errResync
		case isDecode(err):
			w.logger.Warn("watch: skipping malformed event", "class", w.cfg.Class, "error", err)
			continue
		default:
			return err
		}

		if ev.Kind == domain.LiveInitial {
			synced = true
			w.logger.Info("watch: snapshot", "class", w.cfg.Class, "count", len(ev.Snapshot))
		} else if err := w.record(ctx, ev.Event); err != nil {
			w.logger.Error("watch: journal append failed", "class", w.cfg.Class, "id", ev.Event.ObjectID(), "error", err)
		}
		if w.handler != nil {
			w.handler(ctx, ev)
		}
	}
}

func (w *Watcher[B]) record(ctx context.Context, ev domain.TxEvent[json.RawMessage]) error {
	if w.journal == nil {
		return nil
	}
	var payload json.RawMessage
	switch ev.Kind {
	case domain.TxCreated:
		payload = ev.Doc
	case domain.TxUpdated:
		b, err := json.Marshal(ev.Operations)
		if err != nil {
			return err
		}
		payload = b
	}
	_, err := w.journal.Append(ctx, journal.Entry{
		Workspace: w.client.Workspace().String(),
		Class:     w.cfg.Class,
		Kind:      ev.Kind.String(),
		ObjectID:  ev.ObjectID(),
		Payload:   payload,
	})
	return err
}

func (w *Watcher[B]) prune(ctx context.Context) error {
	n, err := w.journal.Prune(ctx, time.Now().Add(-w.cfg.Retention))
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Info("watch: journal pruned", "removed", n, "retention", w.cfg.Retention)
	}
	return nil
}

func isDecode(err error) bool {
	var de *domain.DecodeError
	return errors.As(err, &de)
}
