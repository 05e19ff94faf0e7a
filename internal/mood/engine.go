package mood

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/pulseboard/internal/metrics"
)

const (
	// MoodTopic is the broadcast topic mood changes are announced on.
	MoodTopic = "mood"

	storeTimeout = 2 * time.Second
)

// Broadcaster is the subset of the pub/sub layer the engine needs to
// announce mood changes.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// Invalidator drops cache entries derived from the mood when the band
// changes.
type Invalidator interface {
	Clear()
}

// ChangeEvent is the payload broadcast when the mood band changes.
type ChangeEvent struct {
	Mood     Mood `json:"mood"`
	Points   int  `json:"points"`
	Previous Mood `json:"previous"`
}

// --- Command types ---

type engineCmd interface{ engineCmd() }

type cmdApplyDelta struct {
	delta   int
	reason  string
	replyCh chan State
}

func (cmdApplyDelta) engineCmd() {}

type cmdReset struct {
	replyCh chan State
}

func (cmdReset) engineCmd() {}

type cmdGetState struct {
	replyCh chan State
}

func (cmdGetState) engineCmd() {}

type cmdGetHistory struct {
	limit   int
	replyCh chan []HistoryEntry
}

func (cmdGetHistory) engineCmd() {}

type cmdGetModifiers struct {
	replyCh chan Modifiers
}

func (cmdGetModifiers) engineCmd() {}

type cmdStop struct {
	doneCh chan struct{}
}

func (cmdStop) engineCmd() {}

// --- Engine ---

// Engine is the single writer for the mood state. All mutation flows
// through its command channel, so concurrent callers never observe a
// partially applied transition and history ordering follows the sequence
// of accepted commands.
type Engine struct {
	cmdCh       chan engineCmd
	clock       clockwork.Clock
	store       SnapshotStore
	broadcaster Broadcaster
	invalidator Invalidator
	historyCap  int

	// Actor-owned state; touched only by the run goroutine after Start.
	points      int
	current     Mood
	lastUpdated time.Time
	history     []HistoryEntry
}

func NewEngine(store SnapshotStore, broadcaster Broadcaster, invalidator Invalidator, clock clockwork.Clock, historyCap int) *Engine {
	return &Engine{
		cmdCh:       make(chan engineCmd, 64),
		clock:       clock,
		store:       store,
		broadcaster: broadcaster,
		invalidator: invalidator,
		historyCap:  historyCap,
		current:     Neutral,
	}
}

// Start restores the last snapshot (if any) and launches the actor loop.
func (e *Engine) Start() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	snap, err := e.store.Load(ctx)
	if err != nil {
		slog.Warn("Mood snapshot load failed, starting neutral", "error", err)
	} else if snap != nil {
		e.points = clampPoints(snap.Points)
		e.lastUpdated = snap.LastUpdated
		e.history = snap.History
		if e.historyCap > 0 && len(e.history) > e.historyCap {
			e.history = e.history[len(e.history)-e.historyCap:]
		}
		slog.Info("Mood snapshot restored", "points", e.points, "history_len", len(e.history))
	}
	// The band is always derived from points, even from a stale snapshot.
	e.current = ForPoints(e.points)
	metrics.MoodPoints.Set(float64(e.points))

	go e.run()
}

func (e *Engine) run() {
	for cmd := range e.cmdCh {
		switch c := cmd.(type) {
		case cmdApplyDelta:
			c.replyCh <- e.handleApplyDelta(c.delta, c.reason)
		case cmdReset:
			c.replyCh <- e.handleReset()
		case cmdGetState:
			c.replyCh <- e.snapshotState()
		case cmdGetHistory:
			c.replyCh <- e.copyHistory(c.limit)
		case cmdGetModifiers:
			c.replyCh <- ModifiersFor(e.current)
		case cmdStop:
			close(c.doneCh)
			return
		}
	}
}

func (e *Engine) handleApplyDelta(delta int, reason string) State {
	before := e.current
	e.appendHistory(reason)
	e.points = clampPoints(e.points + delta)
	e.transitionTo(ForPoints(e.points), before)

	metrics.MoodTransitionsTotal.WithLabelValues(string(e.current)).Inc()
	e.persist()
	return e.snapshotState()
}

func (e *Engine) handleReset() State {
	before := e.current
	e.appendHistory(ResetReason)
	e.points = 0
	e.transitionTo(Neutral, before)

	metrics.MoodResetsTotal.Inc()
	e.persist()
	return e.snapshotState()
}

// appendHistory records the pre-transition mood and points, truncating
// the oldest entries once the cap is exceeded.
func (e *Engine) appendHistory(reason string) {
	e.history = append(e.history, HistoryEntry{
		Mood:      e.current,
		Points:    e.points,
		Timestamp: e.clock.Now(),
		Reason:    reason,
	})
	if e.historyCap > 0 && len(e.history) > e.historyCap {
		e.history = e.history[len(e.history)-e.historyCap:]
	}
}

// transitionTo installs the new band and fires side effects if it differs
// from the previous one. Points must already be updated.
func (e *Engine) transitionTo(next Mood, before Mood) {
	e.current = next
	e.lastUpdated = e.clock.Now()
	metrics.MoodPoints.Set(float64(e.points))

	if next == before {
		return
	}

	slog.Info("Mood band changed", "from", before, "to", next, "points", e.points)
	if e.broadcaster != nil {
		e.broadcaster.Broadcast(MoodTopic, ChangeEvent{
			Mood:     next,
			Points:   e.points,
			Previous: before,
		})
	}
	if e.invalidator != nil {
		e.invalidator.Clear()
	}
}

func (e *Engine) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	snap := Snapshot{
		Points:      e.points,
		Mood:        e.current,
		LastUpdated: e.lastUpdated,
		History:     e.history,
	}
	if err := e.store.Save(ctx, snap); err != nil {
		slog.Warn("Mood snapshot save failed", "error", err)
		metrics.MoodSnapshotFailuresTotal.Inc()
	}
}

func (e *Engine) snapshotState() State {
	return State{
		Current:     e.current,
		Points:      e.points,
		LastUpdated: e.lastUpdated,
		History:     e.copyHistory(0),
	}
}

func (e *Engine) copyHistory(limit int) []HistoryEntry {
	entries := e.history
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]HistoryEntry(nil), entries...)
}

// --- Public API ---

// GetCurrent returns the current state including full history.
func (e *Engine) GetCurrent() State {
	replyCh := make(chan State, 1)
	e.cmdCh <- cmdGetState{replyCh: replyCh}
	return <-replyCh
}

// ApplyDelta applies a signed point delta with an optional reason. Any
// delta is accepted; the resulting points clamp at MinPoints/MaxPoints.
// Per-request delta limits are the HTTP boundary's concern, not the
// engine's.
func (e *Engine) ApplyDelta(delta int, reason string) State {
	replyCh := make(chan State, 1)
	e.cmdCh <- cmdApplyDelta{delta: delta, reason: reason, replyCh: replyCh}
	return <-replyCh
}

// Reset unconditionally returns the engine to neutral at zero points.
func (e *Engine) Reset() State {
	replyCh := make(chan State, 1)
	e.cmdCh <- cmdReset{replyCh: replyCh}
	return <-replyCh
}

// GetHistory returns the most recent entries, oldest first. A
// non-positive limit returns everything.
func (e *Engine) GetHistory(limit int) []HistoryEntry {
	replyCh := make(chan []HistoryEntry, 1)
	e.cmdCh <- cmdGetHistory{limit: limit, replyCh: replyCh}
	return <-replyCh
}

// GetModifiers returns the response modifiers for the current mood.
func (e *Engine) GetModifiers() Modifiers {
	replyCh := make(chan Modifiers, 1)
	e.cmdCh <- cmdGetModifiers{replyCh: replyCh}
	return <-replyCh
}

// Stop terminates the actor loop. It blocks until the loop has exited.
func (e *Engine) Stop() {
	doneCh := make(chan struct{})
	e.cmdCh <- cmdStop{doneCh: doneCh}
	<-doneCh
}
