package httpclient

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// Policy bounds how long and how often a request is retried.
type Policy struct {
	// MaxElapsed caps the total time spent on one request, retries included.
	MaxElapsed time.Duration
	// MaxRetries caps the number of retries after the first attempt.
	// Zero means only MaxElapsed applies.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// TransactorPolicy is used for transactor REST calls.
func TransactorPolicy() Policy {
	return Policy{
		MaxElapsed:     120 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// KVSPolicy is used for key-value store calls.
func KVSPolicy() Policy {
	return Policy{
		MaxElapsed:     10 * time.Second,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// AccountPolicy is used for account service calls.
func AccountPolicy() Policy {
	return Policy{
		MaxElapsed:     30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	def := TransactorPolicy()
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = def.MaxElapsed
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// backoff returns the delay before retry number n (0-based), with ±20% jitter.
func (p Policy) backoff(n int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < n && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

// transientStatus reports statuses worth retrying.
func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
