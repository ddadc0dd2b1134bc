package transactor

import (
	"context"
	"encoding/json"
	"net/url"

	"transactor-client/internal/adapter/rpc"
	"transactor-client/internal/domain"
)

// Backend is the transport a Client issues calls through. HTTP and
// WebSocket implementations live in adapter/backend.
type Backend interface {
	// Get performs a read-style call. Param order is preserved.
	Get(ctx context.Context, method rpc.Method, params []rpc.Param) (json.RawMessage, error)
	// Post performs a write-style call with a JSON object body.
	Post(ctx context.Context, method rpc.Method, body any) (json.RawMessage, error)
	// TxRaw submits an already-built transaction document.
	TxRaw(ctx context.Context, tx any) (json.RawMessage, error)
	// DomainRequest invokes operation on a named operation domain.
	DomainRequest(ctx context.Context, opDomain, operation string, params any) (domain.DomainResult[json.RawMessage], error)

	Base() *url.URL
	Workspace() domain.WorkspaceUUID
	Token() string
}
