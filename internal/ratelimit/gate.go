package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
)

// GateConfig holds the request-rate limits per axis, in requests per window.
// Zero disables an axis.
type GateConfig struct {
	GlobalRPM int
	PerKeyRPM int
	PerIPRPM  int
	Window    time.Duration
}

// Gate checks the three request axes in the mandated order:
// global, then per-principal-key, then per-client-IP. The first denial wins
// and its Retry-After is surfaced. The limits can be re-armed at runtime on
// config reload.
type Gate struct {
	limiter Limiter
	cfg     atomic.Pointer[GateConfig]
}

// NewGate constructs a Gate.
func NewGate(limiter Limiter, cfg GateConfig) *Gate {
	g := &Gate{limiter: limiter}
	g.SetConfig(cfg)
	return g
}

// SetConfig swaps the per-axis limits. In-flight checks finish under the
// config they loaded.
func (g *Gate) SetConfig(cfg GateConfig) {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	g.cfg.Store(&cfg)
}

// Check consumes one count on each axis and returns a rate_limited error on
// the first denial. principal is the client API key id; ip is the client
// address.
func (g *Gate) Check(ctx context.Context, principal, ip string) error {
	cfg := g.cfg.Load()
	axes := []struct {
		axis  string
		key   string
		limit int
	}{
		{AxisGlobal, AxisGlobal, cfg.GlobalRPM},
		{AxisKey, AxisKey + ":" + principal, cfg.PerKeyRPM},
		{AxisIP, AxisIP + ":" + ip, cfg.PerIPRPM},
	}

	for _, a := range axes {
		if a.limit <= 0 {
			continue
		}
		if a.axis != AxisGlobal && a.key == a.axis+":" {
			continue
		}
		res, err := g.limiter.Allow(ctx, a.key, a.limit, cfg.Window)
		if err != nil {
			// The limiter backend failing must not take the data plane down.
			return nil
		}
		if !res.Allowed {
			return llmerrors.NewClientRateLimited(
				fmt.Sprintf("rate limit exceeded on %s axis", a.axis),
				res.RetryAfter,
			)
		}
	}
	return nil
}
