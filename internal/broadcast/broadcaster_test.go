package broadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBroadcaster sets up a Broadcaster behind a test HTTP server.
func testBroadcaster(t *testing.T, clock clockwork.Clock, maxClients int, heartbeatInterval time.Duration, allowedMissedProbes int) (*Broadcaster, func() *ws.Conn) {
	t.Helper()

	broadcaster := NewBroadcaster(clock, maxClients, heartbeatInterval, allowedMissedProbes)
	t.Cleanup(broadcaster.Shutdown)

	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		_, _ = broadcaster.Register(conn)
	}))
	t.Cleanup(server.Close)

	dial := func() *ws.Conn {
		t.Helper()
		url := "ws" + strings.TrimPrefix(server.URL, "http")
		conn, _, err := ws.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}

	return broadcaster, dial
}

func defaultBroadcaster(t *testing.T) (*Broadcaster, func() *ws.Conn) {
	t.Helper()
	// Heartbeat far out so liveness probes never interfere.
	return testBroadcaster(t, clockwork.NewRealClock(), 100, time.Minute, 1)
}

func waitForClientCount(b *Broadcaster, expected int) bool {
	for range 500 {
		if b.ConnectedCount() == expected {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func writeEnvelope(t *testing.T, conn *ws.Conn, msgType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	env := Envelope{Type: msgType, Data: data, Timestamp: time.Now()}
	require.NoError(t, conn.WriteJSON(env))
}

func readEnvelope(t *testing.T, conn *ws.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// expectNoMessage asserts that nothing arrives within a short window.
func expectNoMessage(t *testing.T, conn *ws.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no message")
	require.True(t, strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline"), "unexpected error: %v", err)
}

func subscribe(t *testing.T, conn *ws.Conn, channels ...string) {
	t.Helper()
	writeEnvelope(t, conn, typeSubscribe, ChannelList{Channels: channels})
	ack := readEnvelope(t, conn)
	require.Equal(t, typeSubscribed, ack.Type)

	var list ChannelList
	require.NoError(t, json.Unmarshal(ack.Data, &list))
	assert.Equal(t, channels, list.Channels)
}

func TestBroadcaster_DefaultDenyUntilSubscribed(t *testing.T) {
	broadcaster, dial := defaultBroadcaster(t)

	conn := dial()
	require.True(t, waitForClientCount(broadcaster, 1))

	broadcaster.Broadcast("prices", map[string]any{"bitcoin": 64000.0})
	expectNoMessage(t, conn)

	subscribe(t, conn, "prices")
	broadcaster.Broadcast("prices", map[string]any{"bitcoin": 65000.0})

	env := readEnvelope(t, conn)
	assert.Equal(t, "prices", env.Type)
	assert.False(t, env.Timestamp.IsZero())

	var payload map[string]float64
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, 65000.0, payload["bitcoin"])
}

func TestBroadcaster_WildcardReceivesEverything(t *testing.T) {
	broadcaster, dial := defaultBroadcaster(t)

	conn := dial()
	require.True(t, waitForClientCount(broadcaster, 1))
	subscribe(t, conn, TopicAll)

	broadcaster.Broadcast("prices", "p")
	broadcaster.Broadcast("mood", "m")

	assert.Equal(t, "prices", readEnvelope(t, conn).Type)
	assert.Equal(t, "mood", readEnvelope(t, conn).Type)
}

func TestBroadcaster_UnsubscribeStopsDelivery(t *testing.T) {
	broadcaster, dial := defaultBroadcaster(t)

	conn := dial()
	require.True(t, waitForClientCount(broadcaster, 1))
	subscribe(t, conn, "mood")

	broadcaster.Broadcast("mood", 1)
	require.Equal(t, "mood", readEnvelope(t, conn).Type)

	writeEnvelope(t, conn, typeUnsubscribe, ChannelList{Channels: []string{"mood"}})
	require.Equal(t, typeUnsubscribed, readEnvelope(t, conn).Type)

	broadcaster.Broadcast("mood", 2)
	expectNoMessage(t, conn)
}

func TestBroadcaster_FanOutToMultipleSubscribers(t *testing.T) {
	broadcaster, dial := defaultBroadcaster(t)

	conn1 := dial()
	conn2 := dial()
	require.True(t, waitForClientCount(broadcaster, 2))
	subscribe(t, conn1, "prices")
	subscribe(t, conn2, "prices")

	broadcaster.Broadcast("prices", map[string]any{"ethereum": 3000.0})

	for _, conn := range []*ws.Conn{conn1, conn2} {
		env := readEnvelope(t, conn)
		assert.Equal(t, "prices", env.Type)
	}
}

func TestBroadcaster_PingPong(t *testing.T) {
	broadcaster, dial := defaultBroadcaster(t)

	conn := dial()
	require.True(t, waitForClientCount(broadcaster, 1))

	writeEnvelope(t, conn, typePing, nil)
	env := readEnvelope(t, conn)
	assert.Equal(t, typePong, env.Type)

	var pong PongPayload
	require.NoError(t, json.Unmarshal(env.Data, &pong))
	assert.False(t, pong.Timestamp.IsZero())
}

func TestBroadcaster_UnknownTypeKeepsConnectionOpen(t *testing.T) {
	broadcaster, dial := defaultBroadcaster(t)

	conn := dial()
	require.True(t, waitForClientCount(broadcaster, 1))

	writeEnvelope(t, conn, "bogus", nil)
	env := readEnvelope(t, conn)
	require.Equal(t, typeError, env.Type)

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &errPayload))
	assert.Equal(t, "Unknown message type", errPayload.Message)

	// The connection survives protocol errors.
	writeEnvelope(t, conn, typePing, nil)
	assert.Equal(t, typePong, readEnvelope(t, conn).Type)
	assert.Equal(t, 1, broadcaster.ConnectedCount())
}

func TestBroadcaster_MalformedMessageKeepsConnectionOpen(t *testing.T) {
	broadcaster, dial := defaultBroadcaster(t)

	conn := dial()
	require.True(t, waitForClientCount(broadcaster, 1))

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte("not json at all")))
	env := readEnvelope(t, conn)
	require.Equal(t, typeError, env.Type)

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &errPayload))
	assert.Equal(t, "Invalid message format", errPayload.Message)

	writeEnvelope(t, conn, typePing, nil)
	assert.Equal(t, typePong, readEnvelope(t, conn).Type)
}

func TestBroadcaster_SubscribeWithoutChannelsRejected(t *testing.T) {
	broadcaster, dial := defaultBroadcaster(t)

	conn := dial()
	require.True(t, waitForClientCount(broadcaster, 1))

	writeEnvelope(t, conn, typeSubscribe, nil)
	env := readEnvelope(t, conn)
	require.Equal(t, typeError, env.Type)
}

func TestBroadcaster_MaxClientsRejected(t *testing.T) {
	broadcaster, dial := testBroadcaster(t, clockwork.NewRealClock(), 2, time.Minute, 1)

	dial()
	dial()
	require.True(t, waitForClientCount(broadcaster, 2))

	server, _ := newTestConnPair(t)
	_, err := broadcaster.Register(server)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max clients")
	assert.Equal(t, 2, broadcaster.ConnectedCount())
}

func newTestConnPair(t *testing.T) (server *ws.Conn, client *ws.Conn) {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *ws.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}

func TestBroadcaster_ConnectedCount(t *testing.T) {
	broadcaster, dial := defaultBroadcaster(t)

	assert.Equal(t, 0, broadcaster.ConnectedCount())

	conn1 := dial()
	require.True(t, waitForClientCount(broadcaster, 1))

	dial()
	require.True(t, waitForClientCount(broadcaster, 2))

	conn1.Close()
	require.True(t, waitForClientCount(broadcaster, 1))
}

func TestBroadcaster_BroadcastWithNoClientsIsNoop(t *testing.T) {
	broadcaster, _ := defaultBroadcaster(t)

	broadcaster.Broadcast("prices", "nobody is listening")
	assert.Equal(t, 0, broadcaster.ConnectedCount())
}

func TestBroadcaster_ShutdownClosesClients(t *testing.T) {
	broadcaster, dial := defaultBroadcaster(t)

	conn := dial()
	require.True(t, waitForClientCount(broadcaster, 1))

	broadcaster.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, ws.IsCloseError(err, ws.CloseNormalClosure), "expected normal closure, got: %v", err)
}

func TestBroadcaster_ShutdownIdempotent(t *testing.T) {
	broadcaster, dial := defaultBroadcaster(t)

	dial()
	require.True(t, waitForClientCount(broadcaster, 1))

	broadcaster.Shutdown()
	broadcaster.Shutdown()
	broadcaster.Shutdown()
}

func TestBroadcaster_HeartbeatTerminatesSilentClient(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	broadcaster, dial := testBroadcaster(t, clock, 100, 30*time.Second, 1)

	// Never read on the client, so pings are never answered.
	_ = dial()
	require.True(t, waitForClientCount(broadcaster, 1))

	// First tick arms the probe, second sees it unacknowledged.
	for range 3 {
		clock.Advance(30 * time.Second)
		time.Sleep(20 * time.Millisecond)
	}

	require.True(t, waitForClientCount(broadcaster, 0), "silent client should be terminated")
}

func TestBroadcaster_SlowClientEvicted(t *testing.T) {
	broadcaster, dial := defaultBroadcaster(t)

	conn := dial()
	require.True(t, waitForClientCount(broadcaster, 1))
	subscribe(t, conn, "spam")

	// Stop reading and flood the subscriber until its send buffer fills.
	payload := strings.Repeat("x", 64*1024)
	for range 400 {
		broadcaster.Broadcast("spam", payload)
	}

	require.True(t, waitForClientCount(broadcaster, 0), "slow client should be evicted")
}
