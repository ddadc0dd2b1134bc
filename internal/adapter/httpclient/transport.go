package httpclient

import (
	"net"
	"net/http"
	"time"
)

// PoolConfig sizes the connection pool. Zero fields take defaults.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// A client talks to one or two hosts (transactor, kvs) with many calls in flight.
func (p PoolConfig) withDefaults() PoolConfig {
	if p.MaxIdleConns <= 0 {
		p.MaxIdleConns = 20
	}
	if p.MaxIdleConnsPerHost <= 0 {
		p.MaxIdleConnsPerHost = 10
	}
	if p.MaxConnsPerHost <= 0 {
		p.MaxConnsPerHost = 20
	}
	if p.IdleConnTimeout <= 0 {
		p.IdleConnTimeout = 120 * time.Second
	}
	return p
}

const defaultDialTimeout = 30 * time.Second

// NewPooledTransport returns an http.Transport that dials within timeout and
// waits at most timeout for response headers. timeout <= 0 means
// defaultDialTimeout for dialing and no header deadline.
func NewPooledTransport(timeout time.Duration, pool PoolConfig) *http.Transport {
	dial := timeout
	if dial <= 0 {
		dial, timeout = defaultDialTimeout, 0
	}
	pool = pool.withDefaults()

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dial, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          pool.MaxIdleConns,
		MaxIdleConnsPerHost:   pool.MaxIdleConnsPerHost,
		MaxConnsPerHost:       pool.MaxConnsPerHost,
		IdleConnTimeout:       pool.IdleConnTimeout,
		ForceAttemptHTTP2:     true,
	}
}
