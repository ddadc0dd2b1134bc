package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateTransactor(cfg, ve)
	validateHTTP(cfg, ve)
	validateKVS(cfg, ve)
	validateToken(cfg, ve)
	validateJournal(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var transactorSchemes = map[string]bool{"http": true, "https": true, "ws": true, "wss": true}

func validateTransactor(cfg *Config, ve *ValidationError) {
	t := cfg.Transactor
	if t.URL != "" {
		validateURL(ve, "transactor.url", t.URL, transactorSchemes)
	}
	if t.Transport != "ws" && t.Transport != "http" {
		ve.Add("transactor.transport must be \"ws\" or \"http\", got %q", t.Transport)
	}
	if t.Workspace != "" {
		if _, err := uuid.Parse(t.Workspace); err != nil {
			ve.Add("transactor.workspace must be a UUID, got %q", t.Workspace)
		}
	}
	positive(ve, "transactor.hello_timeout", t.HelloTimeout)
	positive(ve, "transactor.ping_interval", t.PingInterval)
	positive(ve, "transactor.hang_timeout", t.HangTimeout)
	if t.BroadcastCapacity <= 0 {
		ve.Add("transactor.broadcast_capacity must be > 0")
	}
	if t.ReadLimit <= 0 {
		ve.Add("transactor.read_limit must be > 0")
	}
}

func validateHTTP(cfg *Config, ve *ValidationError) {
	h := cfg.HTTP
	positive(ve, "http.timeout", h.Timeout)
	positive(ve, "http.max_elapsed", h.MaxElapsed)
	positive(ve, "http.initial_backoff", h.InitialBackoff)
	if h.MaxBackoff < h.InitialBackoff {
		ve.Add("http.max_backoff must be >= http.initial_backoff")
	}
	if h.RequestsPerSecond < 0 {
		ve.Add("http.requests_per_second must be >= 0")
	}
	if h.RequestsPerSecond > 0 && h.Burst <= 0 {
		ve.Add("http.burst must be > 0 when requests_per_second is set")
	}
	positive(ve, "http.breaker.timeout", h.Breaker.Timeout)
	positive(ve, "http.breaker.interval", h.Breaker.Interval)
}

func validateKVS(cfg *Config, ve *ValidationError) {
	if cfg.KVS.URL != "" {
		validateURL(ve, "kvs.url", cfg.KVS.URL, map[string]bool{"http": true, "https": true})
	}
	positive(ve, "kvs.max_elapsed", cfg.KVS.MaxElapsed)
}

func validateToken(cfg *Config, ve *ValidationError) {
	t := cfg.Token
	if t.Account != "" {
		if _, err := uuid.Parse(t.Account); err != nil {
			ve.Add("token.account must be a UUID, got %q", t.Account)
		}
	}
	if t.Workspace != "" {
		if _, err := uuid.Parse(t.Workspace); err != nil {
			ve.Add("token.workspace must be a UUID, got %q", t.Workspace)
		}
	}
	if t.TTL < 0 {
		ve.Add("token.ttl must be >= 0")
	}
}

func validateJournal(cfg *Config, ve *ValidationError) {
	j := cfg.Journal
	if !j.Enabled {
		return
	}
	if j.Path == "" {
		ve.Add("journal.path is required when the journal is enabled")
	}
	if j.Retention < 0 {
		ve.Add("journal.retention must be >= 0")
	}
	if j.Retention > 0 && j.PruneSchedule == "" {
		ve.Add("journal.prune_schedule is required when retention is set")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level must be debug, info, warn or error, got %q", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "json", "text":
	default:
		ve.Add("logger.format must be \"json\" or \"text\", got %q", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
}

func validateURL(ve *ValidationError, field, raw string, schemes map[string]bool) {
	u, err := url.Parse(raw)
	if err != nil {
		ve.Add("%s is not a valid URL: %v", field, err)
		return
	}
	if !schemes[u.Scheme] || u.Host == "" {
		ve.Add("%s must be an absolute %s URL, got %q", field, schemeList(schemes), raw)
	}
}

func schemeList(schemes map[string]bool) string {
	order := []string{"http", "https", "ws", "wss"}
	var out []string
	for _, s := range order {
		if schemes[s] {
			out = append(out, s)
		}
	}
	return strings.Join(out, "/")
}

func positive(ve *ValidationError, field string, d time.Duration) {
	if d <= 0 {
		ve.Add("%s must be > 0", field)
	}
}
