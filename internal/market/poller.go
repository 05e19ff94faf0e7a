package market

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/pulseboard/internal/cache"
	"github.com/pscheid92/pulseboard/internal/metrics"
	"github.com/pscheid92/pulseboard/internal/platform/correlation"
)

const (
	// PricesTopic is the broadcast topic for price updates.
	PricesTopic = "prices"

	// PricesCacheKey holds the most recent quote set.
	PricesCacheKey = "prices:current"
)

// Broadcaster publishes price updates to connected clients.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// Poller fetches prices on a fixed interval, caches the result and
// broadcasts it. The cache entry expires with the poll interval so API
// reads between polls never hit the upstream.
type Poller struct {
	provider    Provider
	cache       *cache.Cache
	broadcaster Broadcaster
	symbols     []string
	clock       clockwork.Clock
	interval    time.Duration
}

func NewPoller(provider Provider, c *cache.Cache, broadcaster Broadcaster, symbols []string, interval time.Duration, clock clockwork.Clock) *Poller {
	return &Poller{
		provider:    provider,
		cache:       c,
		broadcaster: broadcaster,
		symbols:     symbols,
		clock:       clock,
		interval:    interval,
	}
}

// Run polls immediately, then on every tick. It blocks until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Price poller stopped")
			return
		case <-ticker.Chan():
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	pollCtx := correlation.WithID(ctx, correlation.NewID())

	raw, err := p.cache.Wrap(pollCtx, PricesCacheKey, p.interval, func(ctx context.Context) (any, error) {
		return p.provider.FetchPrices(ctx, p.symbols)
	})
	if err != nil {
		metrics.PricePollsTotal.WithLabelValues("error").Inc()
		slog.WarnContext(pollCtx, "Price poll failed", "symbols", p.symbols, "error", err)
		return
	}

	metrics.PricePollsTotal.WithLabelValues("success").Inc()
	p.broadcaster.Broadcast(PricesTopic, json.RawMessage(raw))
	slog.DebugContext(pollCtx, "Price poll complete", "symbols", p.symbols)
}
