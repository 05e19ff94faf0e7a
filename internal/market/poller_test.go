package market

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pulseboard/internal/cache"
)

type stubProvider struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
	calls  int
}

func (s *stubProvider) FetchPrices(_ context.Context, _ []string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.prices, nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubBroadcaster struct {
	mu       sync.Mutex
	topics   []string
	payloads []any
}

func (s *stubBroadcaster) Broadcast(topic string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	s.payloads = append(s.payloads, payload)
}

func (s *stubBroadcaster) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics)
}

func TestPoller_PollCachesAndBroadcasts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := cache.New(time.Minute, clock)
	provider := &stubProvider{prices: map[string]float64{"bitcoin": 64000}}
	broadcaster := &stubBroadcaster{}

	p := NewPoller(provider, c, broadcaster, []string{"bitcoin"}, 30*time.Second, clock)
	p.poll(context.Background())

	require.Equal(t, 1, broadcaster.count())
	assert.Equal(t, PricesTopic, broadcaster.topics[0])

	raw, ok := c.Get(PricesCacheKey)
	require.True(t, ok, "poll result must land in the cache")

	var cached map[string]float64
	require.NoError(t, json.Unmarshal(raw, &cached))
	assert.Equal(t, 64000.0, cached["bitcoin"])
}

func TestPoller_FailedPollDoesNotBroadcast(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := cache.New(time.Minute, clock)
	provider := &stubProvider{err: errors.New("upstream down")}
	broadcaster := &stubBroadcaster{}

	p := NewPoller(provider, c, broadcaster, []string{"bitcoin"}, 30*time.Second, clock)
	p.poll(context.Background())

	assert.Zero(t, broadcaster.count())
	_, ok := c.Get(PricesCacheKey)
	assert.False(t, ok, "failures must not be cached")
}

func TestPoller_FreshCacheSkipsProvider(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := cache.New(time.Minute, clock)
	provider := &stubProvider{prices: map[string]float64{"bitcoin": 64000}}
	broadcaster := &stubBroadcaster{}

	p := NewPoller(provider, c, broadcaster, []string{"bitcoin"}, 30*time.Second, clock)
	p.poll(context.Background())
	p.poll(context.Background())

	assert.Equal(t, 1, provider.callCount(), "second poll within the TTL serves from cache")
	assert.Equal(t, 2, broadcaster.count(), "every poll still broadcasts")
}

func TestPoller_RunPollsOnTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := cache.New(time.Minute, clock)
	provider := &stubProvider{prices: map[string]float64{"bitcoin": 64000}}
	broadcaster := &stubBroadcaster{}

	p := NewPoller(provider, c, broadcaster, []string{"bitcoin"}, 30*time.Second, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	require.Eventually(t, func() bool { return broadcaster.count() == 1 }, time.Second, time.Millisecond, "initial poll")

	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return broadcaster.count() == 2 }, time.Second, time.Millisecond, "tick poll")
	assert.Equal(t, 2, provider.callCount(), "cache entry expires with the poll interval")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
