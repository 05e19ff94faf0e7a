package broadcast

import (
	"encoding/json"
	"time"
)

// Reserved message types for the client protocol. Every other outbound
// type is the topic of a broadcast.
const (
	typeSubscribe    = "subscribe"
	typeUnsubscribe  = "unsubscribe"
	typePing         = "ping"
	typeSubscribed   = "subscribed"
	typeUnsubscribed = "unsubscribed"
	typePong         = "pong"
	typeError        = "error"
)

// TopicAll is the reserved wildcard topic that matches every broadcast.
const TopicAll = "all"

// Envelope is the wire format for every message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChannelList is the payload of subscribe/unsubscribe requests and their
// acknowledgments.
type ChannelList struct {
	Channels []string `json:"channels"`
}

// ErrorPayload is the payload of protocol error replies.
type ErrorPayload struct {
	Message string `json:"message"`
}

// PongPayload answers a client-initiated ping.
type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

func encodeEnvelope(msgType string, payload any, now time.Time) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Data: data, Timestamp: now})
}
