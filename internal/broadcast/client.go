package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	pongDeadline      = 90 * time.Second
	messageBufferSize = 16
)

// frame is a single outbound WebSocket message. Control frames (ping)
// share the send channel with data frames so all writes stay on the
// writer goroutine.
type frame struct {
	messageType int
	data        []byte
}

// clientWriter owns all writes to one connection. Messages are queued on
// a bounded channel; a full channel marks the client as slow.
type clientWriter struct {
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan frame
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	// alive is set by the pong handler (read goroutine) and consumed by
	// the hub's heartbeat tick.
	alive atomic.Bool
}

func newClientWriter(connection *websocket.Conn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan frame, messageBufferSize),
		doneChannel: make(chan struct{}),
	}
	cw.alive.Store(true)
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	defer cw.wg.Done()

	for {
		select {
		case f, ok := <-cw.sendChannel:
			if !ok {
				return
			}
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(f.messageType, f.data); err != nil {
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// enqueue queues a text message without blocking. Returns false when the
// send buffer is full.
func (cw *clientWriter) enqueue(data []byte) bool {
	select {
	case cw.sendChannel <- frame{messageType: websocket.TextMessage, data: data}:
		return true
	case <-cw.doneChannel:
		return true
	default:
		return false
	}
}

// probe queues a liveness probe. A full buffer just means the probe is
// skipped; the client stays unacknowledged and the heartbeat handles it.
func (cw *clientWriter) probe() {
	select {
	case cw.sendChannel <- frame{messageType: websocket.PingMessage}:
	default:
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing. The writer
// goroutine must exit first so the close frame is the only writer.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		cw.alive.Store(true)
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}

// sendEnvelope marshals and queues a protocol reply. Reply loss on a full
// buffer is acceptable; the client is about to be evicted anyway.
func (cw *clientWriter) sendEnvelope(msgType string, payload any) {
	data, err := encodeEnvelope(msgType, payload, cw.clock.Now())
	if err != nil {
		slog.Error("Failed to encode envelope", "type", msgType, "error", err)
		return
	}
	cw.enqueue(data)
}

func (cw *clientWriter) sendError(message string) {
	cw.sendEnvelope(typeError, ErrorPayload{Message: message})
}

// handleInbound dispatches one client message. Malformed or unknown
// messages get an error reply; the connection stays open.
func (cw *clientWriter) handleInbound(raw []byte, subscribe, unsubscribe func([]string)) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		cw.sendError("Invalid message format")
		return
	}

	switch env.Type {
	case typeSubscribe, typeUnsubscribe:
		var list ChannelList
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &list); err != nil {
				cw.sendError("invalid channel list")
				return
			}
		}
		if len(list.Channels) == 0 {
			cw.sendError("no channels given")
			return
		}
		if env.Type == typeSubscribe {
			subscribe(list.Channels)
		} else {
			unsubscribe(list.Channels)
		}
	case typePing:
		cw.sendEnvelope(typePong, PongPayload{Timestamp: cw.clock.Now()})
	default:
		cw.sendError("Unknown message type")
	}
}
