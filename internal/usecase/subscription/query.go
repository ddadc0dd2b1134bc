// Package subscription turns the transactor's pushed transactions into
// typed event streams: a plain subscription, a live query (snapshot then
// deltas) and a refetching query that reloads on every change.
package subscription

import (
	"context"
	"log/slog"

	"transactor-client/internal/adapter/backend"
	"transactor-client/internal/domain"
	"transactor-client/internal/usecase/transactor"
)

// Source hands out receivers for server-pushed transactions.
type Source interface {
	Subscribe() *backend.Receiver
}

// Streamer is a Backend that also pushes transactions.
type Streamer interface {
	transactor.Backend
	Source
}

// SubscribedQuery yields the create, update and remove events for one
// document class. Next is not safe for concurrent use.
type SubscribedQuery[C any] struct {
	rx     *backend.Receiver
	class  domain.Ref
	logger *slog.Logger
}

// Subscribe starts receiving transactions for class from src.
func Subscribe[C any](src Source, class domain.Ref, logger *slog.Logger) *SubscribedQuery[C] {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscribedQuery[C]{rx: src.Subscribe(), class: class, logger: logger}
}

// Class is the document class the query is scoped to.
func (q *SubscribedQuery[C]) Class() domain.Ref { return q.class }

// Next blocks until an event for the class arrives. Transactions for other
// classes are skipped. A *domain.LaggedError is returned once when events
// were dropped; a *domain.DecodeError when a matching transaction is
// malformed. Both leave the stream usable. domain.ErrSubscriptionClosed
// means the session ended.
func (q *SubscribedQuery[C]) Next(ctx context.Context) (domain.TxEvent[C], error) {
	for {
		raw, err := q.rx.Recv(ctx)
		if err != nil {
			if domain.IsLagged(err) {
				q.logger.Warn("subscription: lagged", "class", q.class, "error", err)
			}
			return domain.TxEvent[C]{}, err
		}

		ev, ok, err := domain.DecodeTxEvent[C](raw, q.class)
		if !ok {
			continue
		}
		if err != nil {
			q.logger.Warn("subscription: malformed transaction", "class", q.class, "error", err, "body", truncate(raw))
			return domain.TxEvent[C]{}, err
		}
		q.logger.Debug("subscription: event", "class", q.class, "kind", ev.Kind, "id", ev.ObjectID())
		return ev, nil
	}
}

// Close releases the receiver.
func (q *SubscribedQuery[C]) Close() { q.rx.Close() }

const maxLoggedBody = 512

func truncate(b []byte) string {
	if len(b) > maxLoggedBody {
		b = b[:maxLoggedBody]
	}
	return string(b)
}
