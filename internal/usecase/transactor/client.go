// Package transactor is the typed façade over a transactor Backend:
// generic calls, document queries and transactions, persons and events.
package transactor

import (
	"context"
	"encoding/json"
	"log/slog"

	"transactor-client/internal/adapter/rpc"
	"transactor-client/internal/domain"
)

// Client issues calls through a Backend. It holds no connection state of
// its own and is safe for concurrent use when B is.
type Client[B Backend] struct {
	backend B
	logger  *slog.Logger
}

// New creates a Client over b.
func New[B Backend](b B, logger *slog.Logger) *Client[B] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client[B]{backend: b, logger: logger}
}

// Backend returns the underlying transport.
func (c *Client[B]) Backend() B { return c.backend }

// Workspace is the workspace the backend is bound to.
func (c *Client[B]) Workspace() domain.WorkspaceUUID { return c.backend.Workspace() }

// Get performs a read-style call and returns the raw result.
func (c *Client[B]) Get(ctx context.Context, method rpc.Method, params ...rpc.Param) (json.RawMessage, error) {
	return c.backend.Get(ctx, method, params)
}

// Post performs a write-style call and returns the raw result.
func (c *Client[B]) Post(ctx context.Context, method rpc.Method, body any) (json.RawMessage, error) {
	return c.backend.Post(ctx, method, body)
}

// TxRaw submits tx as is.
func (c *Client[B]) TxRaw(ctx context.Context, tx any) (json.RawMessage, error) {
	return c.backend.TxRaw(ctx, tx)
}

// DomainRequest invokes operation on opDomain.
func (c *Client[B]) DomainRequest(ctx context.Context, opDomain, operation string, params any) (domain.DomainResult[json.RawMessage], error) {
	return c.backend.DomainRequest(ctx, opDomain, operation, params)
}

// Get performs a read-style call and decodes the result into T.
func Get[T any, B Backend](ctx context.Context, c *Client[B], method rpc.Method, params ...rpc.Param) (T, error) {
	raw, err := c.Get(ctx, method, params...)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeAs[T](c.logger, method.Verb(), raw)
}

// Post performs a write-style call and decodes the result into T.
func Post[T any, B Backend](ctx context.Context, c *Client[B], method rpc.Method, body any) (T, error) {
	raw, err := c.Post(ctx, method, body)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeAs[T](c.logger, method.Verb(), raw)
}

// DomainRequest invokes operation on opDomain and decodes the value into T.
func DomainRequest[T any, B Backend](ctx context.Context, c *Client[B], opDomain, operation string, params any) (domain.DomainResult[T], error) {
	res, err := c.DomainRequest(ctx, opDomain, operation, params)
	if err != nil {
		return domain.DomainResult[T]{}, err
	}
	v, err := decodeAs[T](c.logger, rpc.MethodDomainRequest.Verb(), res.Value)
	if err != nil {
		return domain.DomainResult[T]{}, err
	}
	return domain.DomainResult[T]{Domain: res.Domain, Value: v}, nil
}

// Transaction builds the wire document submitted by Tx.
type Transaction interface {
	Transaction() (any, error)
}

// Tx builds tx, submits it and decodes the result into R.
func Tx[R any, B Backend](ctx context.Context, c *Client[B], tx Transaction) (R, error) {
	var zero R
	doc, err := tx.Transaction()
	if err != nil {
		return zero, domain.WrapOp("tx", err)
	}
	raw, err := c.TxRaw(ctx, doc)
	if err != nil {
		return zero, err
	}
	return decodeAs[R](c.logger, rpc.MethodTx.Verb(), raw)
}

func decodeAs[T any](logger *slog.Logger, op string, raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		de := domain.NewDecodeError(raw, err)
		logger.Warn("transactor: result decode failed", "op", op, "error", err, "body", de.Body)
		return v, de
	}
	return v, nil
}
