package subscription

import (
	"context"
	"log/slog"
	"sync"

	"transactor-client/internal/domain"
	"transactor-client/internal/usecase/transactor"
)

type fetchResult[T any] struct {
	docs []T
	err  error
}

// Live is a live query: one Initial snapshot followed by Polled events.
// Next is not safe for concurrent use.
type Live[C any] struct {
	sub    *SubscribedQuery[C]
	fetch  chan fetchResult[C]
	cancel context.CancelFunc
	logger *slog.Logger

	initial   bool
	err       error
	closeOnce sync.Once
}

// LiveQuery subscribes to class and then fetches the current documents
// matching query in the background. Events pushed while the fetch runs are
// buffered by the subscription, so none are lost between the snapshot and
// the first Polled event unless the buffer overflows.
func LiveQuery[C any, B Streamer](ctx context.Context, c *transactor.Client[B], class domain.Ref, query any, opts domain.FindOptions, logger *slog.Logger) *Live[C] {
	if logger == nil {
		logger = slog.Default()
	}
	sub := Subscribe[C](c.Backend(), class, logger)

	fctx, cancel := context.WithCancel(ctx)
	l := &Live[C]{
		sub:    sub,
		fetch:  make(chan fetchResult[C], 1),
		cancel: cancel,
		logger: logger,
	}
	go func() {
		res, err := transactor.FindAll[C](fctx, c, class, query, opts)
		l.fetch <- fetchResult[C]{docs: res.Value, err: err}
	}()
	return l
}

// Next returns the Initial snapshot first and Polled events after it.
// A failed snapshot fetch is terminal: the query is closed and every later
// call returns the same error. Lag and decode errors are not terminal.
func (l *Live[C]) Next(ctx context.Context) (domain.LiveQueryEvent[C], error) {
	if l.err != nil {
		return domain.LiveQueryEvent[C]{}, l.err
	}

	if !l.initial {
		select {
		case r := <-l.fetch:
			if r.err != nil {
				l.logger.Error("live query: initial fetch failed", "class", l.sub.class, "error", r.err)
				l.err = r.err
				l.Close()
				return domain.LiveQueryEvent[C]{}, r.err
			}
			l.initial = true
			l.logger.Debug("live query: snapshot", "class", l.sub.class, "count", len(r.docs))
			return domain.LiveQueryEvent[C]{Kind: domain.LiveInitial, Snapshot: r.docs}, nil
		case <-ctx.Done():
			return domain.LiveQueryEvent[C]{}, ctx.Err()
		}
	}

	ev, err := l.sub.Next(ctx)
	if err != nil {
		return domain.LiveQueryEvent[C]{}, err
	}
	return domain.LiveQueryEvent[C]{Kind: domain.LivePolled, Event: ev}, nil
}

// Close stops the fetch if it is still running and releases the receiver.
func (l *Live[C]) Close() {
	l.closeOnce.Do(func() {
		l.cancel()
		l.sub.Close()
	})
}
