// Package backend implements the transactor transports: a stateless REST
// backend and a multiplexed WebSocket session.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"transactor-client/internal/adapter/httpclient"
	"transactor-client/internal/adapter/rpc"
	"transactor-client/internal/domain"
	"transactor-client/internal/infra/tracer"
)

// HTTPBackend talks to the transactor REST API. It is safe for concurrent use.
type HTTPBackend struct {
	doer      httpclient.Doer
	base      *url.URL
	workspace domain.WorkspaceUUID
	token     string
	logger    *slog.Logger
}

// NewHTTP creates an HTTPBackend. doer is usually an *httpclient.Client.
func NewHTTP(doer httpclient.Doer, base *url.URL, workspace domain.WorkspaceUUID, token string, logger *slog.Logger) *HTTPBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPBackend{
		doer:      doer,
		base:      base,
		workspace: workspace,
		token:     token,
		logger:    logger,
	}
}

// Get issues GET /api/v1/{path}/{workspace}. String param values are sent
// verbatim; anything else is sent as JSON text.
func (b *HTTPBackend) Get(ctx context.Context, method rpc.Method, params []rpc.Param) (json.RawMessage, error) {
	ctx, span := tracer.StartCall(ctx, method.Verb(), b.workspace.String(), "http")
	u := b.base.JoinPath("api/v1", method.Path(), b.workspace.String())
	q, err := queryOf(params)
	if err != nil {
		tracer.Finish(span, err)
		return nil, err
	}
	u.RawQuery = q.Encode()

	out, err := b.do(ctx, http.MethodGet, u, nil)
	tracer.Finish(span, err)
	return out, err
}

// Post issues POST /api/v1/{path}/{workspace} with body as JSON.
func (b *HTTPBackend) Post(ctx context.Context, method rpc.Method, body any) (json.RawMessage, error) {
	ctx, span := tracer.StartCall(ctx, method.Verb(), b.workspace.String(), "http")
	out, err := b.postPath(ctx, b.base.JoinPath("api/v1", method.Path(), b.workspace.String()), body)
	tracer.Finish(span, err)
	return out, err
}

// TxRaw posts a transaction to /api/v1/tx/{workspace}.
func (b *HTTPBackend) TxRaw(ctx context.Context, tx any) (json.RawMessage, error) {
	ctx, span := tracer.StartCall(ctx, rpc.MethodTx.Verb(), b.workspace.String(), "http")
	out, err := b.postPath(ctx, b.base.JoinPath("api/v1", rpc.MethodTx.Path(), b.workspace.String()), tx)
	tracer.Finish(span, err)
	return out, err
}

// DomainRequest issues GET /api/v1/request/{domain}/{operation}/{workspace}?params=<json>.
func (b *HTTPBackend) DomainRequest(ctx context.Context, opDomain, operation string, params any) (domain.DomainResult[json.RawMessage], error) {
	var result domain.DomainResult[json.RawMessage]

	ctx, span := tracer.StartCall(ctx, rpc.MethodDomainRequest.Verb(), b.workspace.String(), "http")
	u := b.base.JoinPath("api/v1", rpc.MethodDomainRequest.Path(), opDomain, operation, b.workspace.String())
	q, err := queryOf([]rpc.Param{rpc.P("params", params)})
	if err != nil {
		tracer.Finish(span, err)
		return result, err
	}
	u.RawQuery = q.Encode()

	out, err := b.do(ctx, http.MethodGet, u, nil)
	if err == nil {
		err = decode(out, &result)
	}
	tracer.Finish(span, err)
	return result, err
}

// Base returns the transactor base URL.
func (b *HTTPBackend) Base() *url.URL { return b.base }

// Workspace returns the workspace the backend is bound to.
func (b *HTTPBackend) Workspace() domain.WorkspaceUUID { return b.workspace }

// Token returns the bearer token.
func (b *HTTPBackend) Token() string { return b.token }

func (b *HTTPBackend) postPath(ctx context.Context, u *url.URL, body any) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return b.do(ctx, http.MethodPost, u, data)
}

func (b *HTTPBackend) do(ctx context.Context, method string, u *url.URL, body []byte) (json.RawMessage, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.doer.Do(req)
	if err != nil {
		return nil, err
	}
	data, err := httpclient.ReadResponse(resp)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		b.logger.Warn("transactor: invalid response body", "url", u.Redacted(), "body", truncate(data))
		return nil, domain.NewDecodeError(data, fmt.Errorf("response is not JSON"))
	}
	return data, nil
}

func queryOf(params []rpc.Param) (url.Values, error) {
	q := url.Values{}
	for _, p := range params {
		if s, ok := p.Value.(string); ok {
			q.Add(p.Name, s)
			continue
		}
		v, err := json.Marshal(p.Value)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", p.Name, err)
		}
		q.Add(p.Name, string(v))
	}
	return q, nil
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return domain.NewDecodeError(data, err)
	}
	return nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max])
	}
	return string(b)
}
