// Package broadcast fans application events out to WebSocket clients.
// A single hub goroutine owns the client registry; all mutation goes
// through its command channel.
package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/pulseboard/internal/metrics"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
)

// broadcasterCmd is the command interface for the Broadcaster actor.
type broadcasterCmd interface{ isBroadcasterCmd() }

type baseBroadcasterCmd struct{}

func (baseBroadcasterCmd) isBroadcasterCmd() {}

type registerCmd struct {
	baseBroadcasterCmd
	connection   *websocket.Conn
	replyChannel chan registerReply
}

type registerReply struct {
	id  uuid.UUID
	err error
}

type unregisterCmd struct {
	baseBroadcasterCmd
	clientID uuid.UUID
}

type subscribeCmd struct {
	baseBroadcasterCmd
	clientID uuid.UUID
	channels []string
	remove   bool
}

type broadcastCmd struct {
	baseBroadcasterCmd
	topic   string
	payload any
}

type clientCountCmd struct {
	baseBroadcasterCmd
	replyChannel chan int
}

type stopCmd struct {
	baseBroadcasterCmd
}

// client is the hub-side record for one connection. Only the hub
// goroutine touches it.
type client struct {
	id           uuid.UUID
	connection   *websocket.Conn
	writer       *clientWriter
	topics       map[string]struct{}
	missedProbes int
}

func (c *client) subscribed(topic string) bool {
	if _, ok := c.topics[TopicAll]; ok {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

// Broadcaster is the WebSocket hub. Clients receive nothing until they
// subscribe; the reserved topic "all" matches every broadcast. A
// heartbeat loop probes each client and terminates those that stay
// unacknowledged too long.
type Broadcaster struct {
	cmdCh               chan broadcasterCmd
	clock               clockwork.Clock
	clients             map[uuid.UUID]*client
	maxClients          int
	heartbeatInterval   time.Duration
	allowedMissedProbes int
	done                chan struct{}
	stopOnce            sync.Once
}

// NewBroadcaster creates and starts a broadcaster.
// maxClients caps concurrent connections; heartbeatInterval drives the
// liveness probes; allowedMissedProbes is how many unacknowledged
// intervals a client survives before termination.
func NewBroadcaster(clock clockwork.Clock, maxClients int, heartbeatInterval time.Duration, allowedMissedProbes int) *Broadcaster {
	b := &Broadcaster{
		cmdCh:               make(chan broadcasterCmd, 256),
		clock:               clock,
		clients:             make(map[uuid.UUID]*client),
		maxClients:          maxClients,
		heartbeatInterval:   heartbeatInterval,
		allowedMissedProbes: allowedMissedProbes,
		done:                make(chan struct{}),
	}
	go b.run()
	return b
}

// Register adds a connection to the hub and starts its read loop.
// Returns the assigned client ID, or an error when the hub is full.
func (b *Broadcaster) Register(conn *websocket.Conn) (uuid.UUID, error) {
	replyCh := make(chan registerReply, 1)
	select {
	case b.cmdCh <- registerCmd{connection: conn, replyChannel: replyCh}:
	case <-b.done:
		return uuid.Nil, fmt.Errorf("broadcaster is stopped")
	}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply.id, reply.err
	case <-timer.Chan():
		return uuid.Nil, fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes a client and closes its connection.
func (b *Broadcaster) Unregister(clientID uuid.UUID) {
	select {
	case b.cmdCh <- unregisterCmd{clientID: clientID}:
	case <-b.done:
	}
}

// Broadcast fans payload out to every client subscribed to topic. The
// envelope is serialized once; with no subscribers nothing is built.
func (b *Broadcaster) Broadcast(topic string, payload any) {
	select {
	case b.cmdCh <- broadcastCmd{topic: topic, payload: payload}:
	case <-b.done:
	}
}

// ConnectedCount returns the number of connected clients.
// Returns -1 if the command times out.
func (b *Broadcaster) ConnectedCount() int {
	replyCh := make(chan int, 1)
	select {
	case b.cmdCh <- clientCountCmd{replyChannel: replyCh}:
	case <-b.done:
		return 0
	}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-timer.Chan():
		slog.Warn("ConnectedCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Shutdown closes all client connections and stops the hub goroutine.
// Safe to call more than once; repeat calls are no-ops.
func (b *Broadcaster) Shutdown() {
	b.stopOnce.Do(func() {
		b.cmdCh <- stopCmd{}

		timer := b.clock.NewTimer(stopTimeout)
		defer timer.Stop()

		select {
		case <-b.done:
			slog.Info("Broadcaster stopped gracefully")
		case <-timer.Chan():
			slog.Warn("Broadcaster stop timeout exceeded, forcing exit", "timeout", stopTimeout)
			close(b.done)
		}
	})
}

func (b *Broadcaster) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Broadcaster panic recovered", "panic", r)
			metrics.BroadcasterPanicsTotal.Inc()
			b.closeAllClients("broadcaster panic")
		}
	}()

	ticker := b.clock.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	defer close(b.done)

	for {
		select {
		case cmd := <-b.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				b.handleRegister(c)
			case unregisterCmd:
				b.handleUnregister(c.clientID)
			case subscribeCmd:
				b.handleSubscribe(c)
			case broadcastCmd:
				b.handleBroadcast(c)
			case clientCountCmd:
				c.replyChannel <- len(b.clients)
			case stopCmd:
				b.closeAllClients("server shutting down")
				return
			default:
				slog.Warn("Broadcaster received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-ticker.Chan():
			b.handleHeartbeat()
		case <-b.done:
			return
		}
	}
}

func (b *Broadcaster) handleRegister(c registerCmd) {
	if len(b.clients) >= b.maxClients {
		slog.Warn("Rejecting client: max clients reached", "max_clients", b.maxClients)
		c.connection.Close()
		c.replyChannel <- registerReply{err: fmt.Errorf("max clients (%d) reached", b.maxClients)}
		return
	}

	id := uuid.New()
	cl := &client{
		id:         id,
		connection: c.connection,
		writer:     newClientWriter(c.connection, b.clock),
		topics:     make(map[string]struct{}),
	}
	b.clients[id] = cl
	go b.readLoop(cl)

	metrics.BroadcasterConnectedClients.Set(float64(len(b.clients)))
	slog.Debug("Client registered", "client_id", id.String(), "total_clients", len(b.clients))
	c.replyChannel <- registerReply{id: id}
}

func (b *Broadcaster) handleUnregister(clientID uuid.UUID) {
	cl, exists := b.clients[clientID]
	if !exists {
		return
	}

	cl.writer.stop()
	delete(b.clients, clientID)

	metrics.BroadcasterConnectedClients.Set(float64(len(b.clients)))
	slog.Debug("Client unregistered", "client_id", clientID.String(), "remaining_clients", len(b.clients))
}

func (b *Broadcaster) handleSubscribe(c subscribeCmd) {
	cl, exists := b.clients[c.clientID]
	if !exists {
		return
	}

	for _, channel := range c.channels {
		if c.remove {
			delete(cl.topics, channel)
		} else {
			cl.topics[channel] = struct{}{}
		}
	}

	ack := typeSubscribed
	if c.remove {
		ack = typeUnsubscribed
	}
	cl.writer.sendEnvelope(ack, ChannelList{Channels: c.channels})
}

func (b *Broadcaster) handleBroadcast(c broadcastCmd) {
	if len(b.clients) == 0 {
		return
	}

	data, err := encodeEnvelope(c.topic, c.payload, b.clock.Now())
	if err != nil {
		slog.Error("Failed to marshal broadcast message", "topic", c.topic, "error", err)
		return
	}

	var slow []uuid.UUID
	sent := 0
	for _, cl := range b.clients {
		if !cl.subscribed(c.topic) {
			continue
		}
		if cl.writer.enqueue(data) {
			sent++
		} else {
			slow = append(slow, cl.id)
		}
	}
	metrics.BroadcasterMessagesSentTotal.WithLabelValues(c.topic).Add(float64(sent))

	for _, id := range slow {
		slog.Warn("Disconnecting slow client", "client_id", id.String(), "topic", c.topic)
		metrics.BroadcasterSlowClientsEvicted.Inc()
		b.handleUnregister(id)
	}
}

// handleHeartbeat terminates clients whose probes went unacknowledged for
// allowedMissedProbes intervals, then arms the next round of probes.
func (b *Broadcaster) handleHeartbeat() {
	var dead []uuid.UUID
	for _, cl := range b.clients {
		if cl.writer.alive.Load() {
			cl.missedProbes = 0
		} else {
			cl.missedProbes++
			if cl.missedProbes >= b.allowedMissedProbes {
				dead = append(dead, cl.id)
				continue
			}
		}
		cl.writer.alive.Store(false)
		cl.writer.probe()
	}

	for _, id := range dead {
		slog.Info("Terminating unresponsive client", "client_id", id.String())
		metrics.BroadcasterHeartbeatTerminations.Inc()
		b.handleUnregister(id)
	}
}

// readLoop consumes inbound messages for one client until the connection
// drops, then unregisters it.
func (b *Broadcaster) readLoop(cl *client) {
	defer b.Unregister(cl.id)

	for {
		_, raw, err := cl.connection.ReadMessage()
		if err != nil {
			return
		}
		cl.writer.handleInbound(raw,
			func(channels []string) { b.sendSubscribe(cl.id, channels, false) },
			func(channels []string) { b.sendSubscribe(cl.id, channels, true) },
		)
	}
}

func (b *Broadcaster) sendSubscribe(clientID uuid.UUID, channels []string, remove bool) {
	select {
	case b.cmdCh <- subscribeCmd{clientID: clientID, channels: channels, remove: remove}:
	case <-b.done:
	}
}

func (b *Broadcaster) closeAllClients(reason string) {
	slog.Info("Broadcaster shutting down", "clients", len(b.clients))
	for id, cl := range b.clients {
		cl.writer.stopGraceful(reason)
		delete(b.clients, id)
	}
	metrics.BroadcasterConnectedClients.Set(0)
}
