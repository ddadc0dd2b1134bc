package subscription

import (
	"context"
	"log/slog"

	"github.com/buger/jsonparser"

	"transactor-client/internal/adapter/backend"
	"transactor-client/internal/domain"
	"transactor-client/internal/usecase/transactor"
)

type refetchState int

const (
	stateInitial refetchState = iota
	stateFetching
	stateDraining
	stateWaiting
)

func (s refetchState) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateFetching:
		return "fetching"
	case stateDraining:
		return "draining"
	case stateWaiting:
		return "waiting"
	}
	return "unknown"
}

// Refetching re-runs a full query whenever a transaction touches its class
// and yields the whole result set each time. It trades server load for
// simpler correctness than Live. Next is not safe for concurrent use.
type Refetching[T any, B Streamer] struct {
	client *transactor.Client[B]
	class  domain.Ref
	query  any
	opts   domain.FindOptions
	logger *slog.Logger

	rx     *backend.Receiver
	ctx    context.Context
	cancel context.CancelFunc

	state refetchState
	fetch chan fetchResult[T]
	items []T
}

// NewRefetching subscribes to the backend's transactions. The first call
// to Next starts the initial fetch.
func NewRefetching[T any, B Streamer](c *transactor.Client[B], class domain.Ref, query any, opts domain.FindOptions, logger *slog.Logger) *Refetching[T, B] {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Refetching[T, B]{
		client: c,
		class:  class,
		query:  query,
		opts:   opts,
		logger: logger,
		rx:     c.Backend().Subscribe(),
		ctx:    ctx,
		cancel: cancel,
		state:  stateInitial,
	}
}

// Next returns the next document of the current result set, fetching or
// waiting for an invalidating transaction as needed. A failed fetch is
// returned once and the query goes back to waiting. A lag triggers a
// refetch. domain.ErrSubscriptionClosed means the session ended.
func (r *Refetching[T, B]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		switch r.state {
		case stateInitial:
			r.startFetch()

		case stateFetching:
			select {
			case res := <-r.fetch:
				if res.err != nil {
					r.logger.Warn("refetching query: fetch failed", "class", r.class, "error", res.err)
					r.setState(stateWaiting)
					return zero, res.err
				}
				r.items = res.docs
				r.setState(stateDraining)
			case <-ctx.Done():
				return zero, ctx.Err()
			}

		case stateDraining:
			if len(r.items) == 0 {
				r.items = nil
				r.setState(stateWaiting)
				continue
			}
			item := r.items[0]
			r.items = r.items[1:]
			return item, nil

		case stateWaiting:
			raw, err := r.rx.Recv(ctx)
			switch {
			case domain.IsLagged(err):
				r.logger.Warn("refetching query: lagged, refetching", "class", r.class, "error", err)
				r.setState(stateInitial)
			case err != nil:
				return zero, err
			case touches(raw, r.class):
				r.setState(stateInitial)
			}
		}
	}
}

func (r *Refetching[T, B]) startFetch() {
	ch := make(chan fetchResult[T], 1)
	r.fetch = ch
	r.setState(stateFetching)
	go func() {
		res, err := transactor.FindAll[T](r.ctx, r.client, r.class, r.query, r.opts)
		ch <- fetchResult[T]{docs: res.Value, err: err}
	}()
}

func (r *Refetching[T, B]) setState(s refetchState) {
	r.logger.Debug("refetching query: state", "class", r.class, "from", r.state, "to", s)
	r.state = s
}

// Close stops any running fetch and releases the receiver.
func (r *Refetching[T, B]) Close() {
	r.cancel()
	r.rx.Close()
}

// touches reports whether raw is a transaction on a document of class.
func touches(raw []byte, class domain.Ref) bool {
	oc, err := jsonparser.GetString(raw, "objectClass")
	return err == nil && oc == class
}
