// Package kvs is a client for the namespaced key-value service.
package kvs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"transactor-client/internal/adapter/httpclient"
	"transactor-client/internal/domain"
)

// maxValueSize bounds a value read from the service.
const maxValueSize = 32 << 20

// Client reads and writes opaque values under api/{namespace}/{key}.
type Client struct {
	doer      httpclient.Doer
	base      *url.URL
	namespace string
	token     string
	logger    *slog.Logger
}

// New creates a kvs Client.
func New(doer httpclient.Doer, base *url.URL, namespace, token string, logger *slog.Logger) (*Client, error) {
	if base == nil {
		return nil, fmt.Errorf("kvs: base url: %w", domain.ErrInvalidInput)
	}
	if namespace == "" {
		return nil, fmt.Errorf("kvs: namespace: %w", domain.ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		doer:      doer,
		base:      base,
		namespace: namespace,
		token:     token,
		logger:    logger,
	}, nil
}

// Namespace returns the namespace the client is bound to.
func (c *Client) Namespace() string { return c.namespace }

// Get returns the value stored under key. ok is false when the key is absent.
func (c *Client) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	resp, err := c.send(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, false, domain.WrapOp("kvs.Get", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxValueSize))
	if err != nil {
		return nil, false, domain.WrapOp("kvs.Get", &domain.TransportError{Status: resp.StatusCode, Err: err})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, domain.WrapOp("kvs.Get", domain.NewHTTPError(resp.StatusCode, body))
	}

	c.logger.Debug("kvs: get", "namespace", c.namespace, "key", key, "bytes", len(body))
	return body, true, nil
}

// Upsert stores value under key.
func (c *Client) Upsert(ctx context.Context, key string, value []byte) error {
	resp, err := c.send(ctx, http.MethodPost, key, value)
	if err != nil {
		return domain.WrapOp("kvs.Upsert", err)
	}
	if _, err := httpclient.ReadResponse(resp); err != nil {
		return domain.WrapOp("kvs.Upsert", err)
	}
	c.logger.Debug("kvs: upsert", "namespace", c.namespace, "key", key, "bytes", len(value))
	return nil
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.send(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return domain.WrapOp("kvs.Delete", err)
	}
	if _, err := httpclient.ReadResponse(resp); err != nil {
		return domain.WrapOp("kvs.Delete", err)
	}
	c.logger.Debug("kvs: delete", "namespace", c.namespace, "key", key)
	return nil
}

func (c *Client) send(ctx context.Context, method, key string, value []byte) (*http.Response, error) {
	if key == "" {
		return nil, fmt.Errorf("empty key: %w", domain.ErrInvalidInput)
	}
	u := c.base.JoinPath("api", c.namespace, key)

	var req *http.Request
	var err error
	if value != nil {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(value))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if value != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.doer.Do(req)
}
