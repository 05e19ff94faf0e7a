package broadcast

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEnvelope(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	data, err := encodeEnvelope("prices", map[string]float64{"bitcoin": 64000}, now)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "prices", env.Type)
	assert.True(t, env.Timestamp.Equal(now))

	var payload map[string]float64
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, 64000.0, payload["bitcoin"])
}

func TestEncodeEnvelope_UnserializablePayload(t *testing.T) {
	_, err := encodeEnvelope("prices", func() {}, time.Now())
	require.Error(t, err)
}
