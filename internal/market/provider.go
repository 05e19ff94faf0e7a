// Package market fetches spot prices from an upstream provider and
// publishes them to connected dashboard clients.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/pscheid92/pulseboard/internal/errors"
	"github.com/pscheid92/pulseboard/internal/metrics"
	"github.com/pscheid92/pulseboard/internal/platform/retry"
)

const (
	requestTimeout          = 10 * time.Second
	breakerFailureThreshold = 5
	breakerOpenDuration     = 30 * time.Second
)

// Provider returns current spot prices in USD, keyed by symbol.
type Provider interface {
	FetchPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// HTTPProvider talks to a CoinGecko-compatible simple price API. Calls
// run behind a circuit breaker; transient failures are retried with
// exponential backoff.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	policy     retry.Policy
}

func NewHTTPProvider(baseURL string) *HTTPProvider {
	settings := gobreaker.Settings{
		Name:    "price-provider",
		Timeout: breakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("Price provider breaker state changed", "from", from.String(), "to", to.String())
			metrics.PriceProviderBreakerState.Set(breakerStateValue(to))
		},
	}

	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		policy: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				slog.Warn("Retrying price fetch", "attempt", attempt, "backoff", backoff, "error", err)
			},
		},
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// FetchPrices returns USD quotes for the given symbols. An open breaker
// or a client-side rejection from upstream fails immediately; everything
// else is retried.
func (p *HTTPProvider) FetchPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return nil, apperrors.Validation("no symbols requested")
	}

	prices, err := retry.Do(ctx, p.policy, retryable, func() (map[string]float64, error) {
		result, err := p.breaker.Execute(func() (any, error) {
			return p.fetchOnce(ctx, symbols)
		})
		if err != nil {
			return nil, err
		}
		return result.(map[string]float64), nil
	})
	if err != nil {
		return nil, apperrors.Upstream("failed to fetch prices", err)
	}
	return prices, nil
}

// retryable rejects breaker fast-fails and upstream client errors.
func retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var statusErr *upstreamStatusError
	if errors.As(err, &statusErr) {
		return statusErr.code >= http.StatusInternalServerError
	}
	return true
}

type upstreamStatusError struct {
	code int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.code)
}

func (p *HTTPProvider) fetchOnce(ctx context.Context, symbols []string) (map[string]float64, error) {
	query := url.Values{}
	query.Set("ids", strings.Join(symbols, ","))
	query.Set("vs_currencies", "usd")
	endpoint := fmt.Sprintf("%s/simple/price?%s", p.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &upstreamStatusError{code: resp.StatusCode}
	}

	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode price response: %w", err)
	}

	prices := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		if quote, ok := body[symbol]; ok {
			prices[symbol] = quote["usd"]
		}
	}
	return prices, nil
}
