package host

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
)

// anonymousTenant buckets messages without a tenant.
const anonymousTenant = "_anonymous"

// RateLimit bounds messages per tenant. PerSecond zero disables limiting.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

func (r RateLimit) validate() error {
	if r.PerSecond < 0 || (r.PerSecond > 0 && r.Burst <= 0) {
		return fmt.Errorf("host: rate limit %g/s with burst %d", r.PerSecond, r.Burst)
	}
	return nil
}

// limiter keeps a token bucket per tenant. Buckets are driven by message
// timestamps rather than the wall clock, so replays limit identically.
// Callers hold Host.mu.
type limiter struct {
	cfg     RateLimit
	tenants map[string]*rate.Limiter
}

func newLimiter(cfg RateLimit) *limiter {
	if cfg.PerSecond <= 0 {
		return nil
	}
	return &limiter{cfg: cfg, tenants: make(map[string]*rate.Limiter)}
}

func (l *limiter) allow(tenant string, at int64) *kerr.Error {
	if l == nil {
		return nil
	}
	if tenant == "" {
		tenant = anonymousTenant
	}
	lim, ok := l.tenants[tenant]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst)
		l.tenants[tenant] = lim
	}
	if !lim.AllowN(time.UnixMilli(at), 1) {
		return kerr.New(kerr.RateLimited, "host.Send", "tenant %s over %g messages/s", tenant, l.cfg.PerSecond)
	}
	return nil
}
