package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"transactor-client/internal/adapter/backend"
	"transactor-client/internal/adapter/httpclient"
	"transactor-client/internal/adapter/token"
	"transactor-client/internal/domain"
	"transactor-client/internal/infra/config"
	"transactor-client/internal/infra/logger"
	"transactor-client/internal/infra/tracer"
	"transactor-client/internal/usecase/transactor"
)

// runtime holds what every command needs once config is loaded.
type runtime struct {
	cfg     *config.Config
	log     *slog.Logger
	out     io.Writer
	closers []func() error
}

func setup(c *cli.Context, out io.Writer) (*runtime, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if t := c.String("transport"); t != "" {
		cfg.Transactor.Transport = t
		if err := config.Validate(cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	rt := &runtime{cfg: cfg, log: log, out: out}
	rt.onClose(closeLog)

	shutdown, err := tracer.Setup(c.Context, cfg.Tracer)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	rt.onClose(func() error { return shutdown(context.Background()) })
	return rt, nil
}

func (rt *runtime) onClose(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

// Close runs the deferred closers in reverse order.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *runtime) httpClient(name string, policy httpclient.Policy) *httpclient.Client {
	h := rt.cfg.HTTP
	return httpclient.New(httpclient.Options{
		Name:              name,
		Timeout:           h.Timeout,
		Policy:            policy,
		RequestsPerSecond: h.RequestsPerSecond,
		Burst:             h.Burst,
		Breaker: httpclient.BreakerConfig{
			MaxFailures: h.Breaker.MaxFailures,
			Timeout:     h.Breaker.Timeout,
			Interval:    h.Breaker.Interval,
		},
		Pool: httpclient.PoolConfig{
			MaxIdleConns:        h.Pool.MaxIdleConns,
			MaxIdleConnsPerHost: h.Pool.MaxIdleConnsPerHost,
			MaxConnsPerHost:     h.Pool.MaxConnsPerHost,
			IdleConnTimeout:     h.Pool.IdleConnTimeout,
		},
	}, rt.log)
}

func (rt *runtime) transactorPolicy() httpclient.Policy {
	p := httpclient.TransactorPolicy()
	p.MaxElapsed = rt.cfg.HTTP.MaxElapsed
	p.InitialBackoff = rt.cfg.HTTP.InitialBackoff
	p.MaxBackoff = rt.cfg.HTTP.MaxBackoff
	return p
}

func (rt *runtime) workspace() (domain.WorkspaceUUID, error) {
	if rt.cfg.Transactor.Workspace == "" {
		return uuid.Nil, fmt.Errorf("transactor.workspace is not set: %w", domain.ErrInvalidInput)
	}
	return uuid.Parse(rt.cfg.Transactor.Workspace)
}

// bearer returns the configured token, or signs one from the token section.
func (rt *runtime) bearer() (string, error) {
	if rt.cfg.Transactor.Token != "" {
		return rt.cfg.Transactor.Token, nil
	}
	t := rt.cfg.Token
	if t.Secret == "" || t.Account == "" {
		return "", fmt.Errorf("no transactor.token and no token.secret/account to sign one: %w", domain.ErrAuthInvalid)
	}
	claims, err := tokenClaims(t.Account, t.Workspace, t.TTL, nil)
	if err != nil {
		return "", err
	}
	if claims.Workspace == nil {
		if ws, err := rt.workspace(); err == nil {
			claims.Workspace = &ws
		}
	}
	issuer, err := token.NewIssuer(t.Secret)
	if err != nil {
		return "", err
	}
	return issuer.Issue(claims)
}

// backend opens the configured transport. The returned closer is never nil.
func (rt *runtime) backend(ctx context.Context) (transactor.Backend, func() error, error) {
	noop := func() error { return nil }
	if rt.cfg.Transactor.Transport == "http" {
		b, err := rt.httpBackend()
		if err != nil {
			return nil, noop, err
		}
		return b, noop, nil
	}
	b, err := rt.connectWS(ctx)
	if err != nil {
		return nil, noop, err
	}
	return b, b.Close, nil
}

func (rt *runtime) httpBackend() (*backend.HTTPBackend, error) {
	base, err := endpoint(rt.cfg.Transactor.URL, false)
	if err != nil {
		return nil, err
	}
	ws, err := rt.workspace()
	if err != nil {
		return nil, err
	}
	tok, err := rt.bearer()
	if err != nil {
		return nil, err
	}
	return backend.NewHTTP(rt.httpClient("transactor", rt.transactorPolicy()), base, ws, tok, rt.log), nil
}

func (rt *runtime) connectWS(ctx context.Context) (*backend.WSBackend, error) {
	base, err := endpoint(rt.cfg.Transactor.URL, true)
	if err != nil {
		return nil, err
	}
	ws, err := rt.workspace()
	if err != nil {
		return nil, err
	}
	tok, err := rt.bearer()
	if err != nil {
		return nil, err
	}
	t := rt.cfg.Transactor
	return backend.ConnectWS(ctx, base, ws, tok, backend.WSOptions{
		Binary:            t.Binary,
		Compression:       t.Compression,
		HelloTimeout:      t.HelloTimeout,
		PingInterval:      t.PingInterval,
		HangTimeout:       t.HangTimeout,
		CloseOnHang:       t.CloseOnHang,
		BroadcastCapacity: t.BroadcastCapacity,
		ReadLimit:         t.ReadLimit,
	}, rt.log)
}

// endpoint parses raw and switches it to the websocket or HTTP scheme
// family. WebSocket endpoints end in a slash so the token can be appended.
func endpoint(raw string, websocket bool) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("transactor.url is not set: %w", domain.ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("transactor.url: %w", err)
	}
	secure := u.Scheme == "https" || u.Scheme == "wss"
	switch {
	case websocket && secure:
		u.Scheme = "wss"
	case websocket:
		u.Scheme = "ws"
	case secure:
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	if websocket && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}
