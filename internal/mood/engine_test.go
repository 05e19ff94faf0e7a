package mood

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	topics []string
	events []ChangeEvent
}

func (b *recordingBroadcaster) Broadcast(topic string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	if ev, ok := payload.(ChangeEvent); ok {
		b.events = append(b.events, ev)
	}
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

type recordingInvalidator struct {
	mu     sync.Mutex
	clears int
}

func (i *recordingInvalidator) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.clears++
}

func (i *recordingInvalidator) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.clears
}

func newTestEngine(t *testing.T) (*Engine, *recordingBroadcaster, *recordingInvalidator) {
	t.Helper()
	b := &recordingBroadcaster{}
	inv := &recordingInvalidator{}
	e := NewEngine(NewMemoryStore(), b, inv, clockwork.NewFakeClock(), 50)
	e.Start()
	t.Cleanup(e.Stop)
	return e, b, inv
}

func TestEngine_FreshStateIsNeutral(t *testing.T) {
	e, _, _ := newTestEngine(t)

	state := e.GetCurrent()
	assert.Equal(t, Neutral, state.Current)
	assert.Zero(t, state.Points)
	assert.Empty(t, state.History)
}

func TestEngine_ApplyDelta(t *testing.T) {
	e, _, _ := newTestEngine(t)

	state := e.ApplyDelta(10, "good news")
	assert.Equal(t, 10, state.Points)
	assert.Equal(t, Neutral, state.Current)
	require.Len(t, state.History, 1)
	assert.Equal(t, "good news", state.History[0].Reason)
	assert.Equal(t, Neutral, state.History[0].Mood, "history records the pre-transition mood")
	assert.Zero(t, state.History[0].Points, "history records the pre-transition points")
}

func TestEngine_MoodAlwaysMatchesPoints(t *testing.T) {
	e, _, _ := newTestEngine(t)

	deltas := []int{10, 10, 10, 10, 10, 10, -10, -10, -10, -10, -10, -10, -10, -10, -10, 5, -3}
	for _, d := range deltas {
		state := e.ApplyDelta(d, "")
		assert.GreaterOrEqual(t, state.Points, MinPoints)
		assert.LessOrEqual(t, state.Points, MaxPoints)
		assert.Equal(t, ForPoints(state.Points), state.Current, "mood and points never diverge")
	}
}

func TestEngine_PointsClampAtBounds(t *testing.T) {
	e, _, _ := newTestEngine(t)

	for range 25 {
		e.ApplyDelta(10, "")
	}
	state := e.GetCurrent()
	assert.Equal(t, MaxPoints, state.Points)
	assert.Equal(t, Elated, state.Current)

	for range 45 {
		e.ApplyDelta(-10, "")
	}
	state = e.GetCurrent()
	assert.Equal(t, MinPoints, state.Points)
	assert.Equal(t, Alarmed, state.Current)
}

func TestEngine_LargeDeltaAppliesInOneStep(t *testing.T) {
	e, _, _ := newTestEngine(t)

	state := e.ApplyDelta(60, "")
	assert.Equal(t, 60, state.Points)
	assert.Equal(t, Elated, state.Current)
}

func TestEngine_LargeNegativeDeltaClampsAtFloor(t *testing.T) {
	e, _, _ := newTestEngine(t)

	state := e.ApplyDelta(-200, "")
	assert.Equal(t, MinPoints, state.Points)
	assert.Equal(t, Alarmed, state.Current)
}

func TestEngine_Reset(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.ApplyDelta(-10, "")

	state := e.Reset()
	assert.Zero(t, state.Points)
	assert.Equal(t, Neutral, state.Current)
	require.Len(t, state.History, 2, "reset appends exactly one entry")
	assert.Equal(t, ResetReason, state.History[1].Reason)
}

func TestEngine_ResetIsUnconditional(t *testing.T) {
	e, _, _ := newTestEngine(t)

	state := e.Reset()
	assert.Zero(t, state.Points)
	assert.Equal(t, Neutral, state.Current)
	assert.Len(t, state.History, 1)
}

func TestEngine_HistoryCapDropsOldestFirst(t *testing.T) {
	b := &recordingBroadcaster{}
	e := NewEngine(NewMemoryStore(), b, &recordingInvalidator{}, clockwork.NewFakeClock(), 5)
	e.Start()
	t.Cleanup(e.Stop)

	for i := range 8 {
		e.ApplyDelta(1, string(rune('a'+i)))
	}

	history := e.GetHistory(0)
	require.Len(t, history, 5)
	assert.Equal(t, "d", history[0].Reason, "oldest entries are dropped first")
	assert.Equal(t, "h", history[4].Reason)
}

func TestEngine_GetHistoryLimit(t *testing.T) {
	e, _, _ := newTestEngine(t)

	for range 10 {
		e.ApplyDelta(1, "")
	}

	assert.Len(t, e.GetHistory(3), 3)
	assert.Len(t, e.GetHistory(0), 10)
	assert.Len(t, e.GetHistory(100), 10)
}

func TestEngine_BandChangeBroadcastsAndInvalidates(t *testing.T) {
	e, b, inv := newTestEngine(t)

	// Five +10 steps stay neutral until the last crosses into elated.
	for range 4 {
		e.ApplyDelta(10, "")
	}
	assert.Zero(t, b.count(), "no broadcast while the band is unchanged")
	assert.Zero(t, inv.count())

	state := e.ApplyDelta(10, "")
	assert.Equal(t, Elated, state.Current)

	require.Equal(t, 1, b.count())
	assert.Equal(t, MoodTopic, b.topics[0])
	assert.Equal(t, ChangeEvent{Mood: Elated, Points: 50, Previous: Neutral}, b.events[0])
	assert.Equal(t, 1, inv.count(), "band change drops mood-derived cache entries")
}

func TestEngine_ElatedThenCrashToAlarmed(t *testing.T) {
	e, _, _ := newTestEngine(t)

	state := e.ApplyDelta(60, "")
	assert.Equal(t, 60, state.Points)
	assert.Equal(t, Elated, state.Current)

	state = e.ApplyDelta(-200, "")
	assert.Equal(t, MinPoints, state.Points)
	assert.Equal(t, Alarmed, state.Current)
}

func TestEngine_SnapshotRestore(t *testing.T) {
	store := NewMemoryStore()
	clock := clockwork.NewFakeClock()

	e := NewEngine(store, &recordingBroadcaster{}, &recordingInvalidator{}, clock, 50)
	e.Start()
	for range 6 {
		e.ApplyDelta(10, "warmup")
	}
	e.Stop()

	restarted := NewEngine(store, &recordingBroadcaster{}, &recordingInvalidator{}, clock, 50)
	restarted.Start()
	t.Cleanup(restarted.Stop)

	state := restarted.GetCurrent()
	assert.Equal(t, 60, state.Points)
	assert.Equal(t, Elated, state.Current, "band is derived from restored points")
	assert.Len(t, state.History, 6)
}

func TestEngine_SnapshotLoadFailureStartsNeutral(t *testing.T) {
	e := NewEngine(failingStore{}, &recordingBroadcaster{}, &recordingInvalidator{}, clockwork.NewFakeClock(), 50)
	e.Start()
	t.Cleanup(e.Stop)

	state := e.GetCurrent()
	assert.Equal(t, Neutral, state.Current)
	assert.Zero(t, state.Points)

	// Save failures are logged, never surfaced to callers.
	state = e.ApplyDelta(5, "")
	assert.Equal(t, 5, state.Points)
}

type failingStore struct{}

func (failingStore) Load(context.Context) (*Snapshot, error) {
	return nil, errors.New("store down")
}

func (failingStore) Save(context.Context, Snapshot) error {
	return errors.New("store down")
}

func TestEngine_ConcurrentDeltasAllApplied(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.ApplyDelta(1, "concurrent")
		}()
	}
	wg.Wait()

	state := e.GetCurrent()
	assert.Equal(t, 50, state.Points, "single-writer discipline loses no deltas")
	assert.Len(t, state.History, 50)
}
