package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConnectRoundTrip(t *testing.T) {
	raw := []byte(`{
		"type": "CONNECT",
		"version": "1",
		"session_id": "sess-1",
		"peer_id": "peer-a",
		"capabilities": {"codecs": ["opus", "vp8"], "resolutions": ["720p"], "encryption": ["aes128_gcm"], "transport": ["udp"]},
		"network_info": {"public_ip": "203.0.113.9", "public_port": 5000, "nat_type": "full_cone"},
		"timestamp": "2026-01-01T00:00:00Z"
	}`)

	msg, err := Decode(raw)
	require.NoError(t, err)
	connect, ok := msg.(*Connect)
	require.True(t, ok)
	assert.Equal(t, "sess-1", connect.SessionID)
	assert.Equal(t, []string{"opus", "vp8"}, connect.Capabilities.Codecs)
	assert.Equal(t, "203.0.113.9", connect.NetworkInfo.PublicIP)

	encoded, err := Encode(connect)
	require.NoError(t, err)

	again, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, connect, again)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type": "BOGUS"}`))
	require.ErrorIs(t, err, ErrParse)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	require.ErrorIs(t, err, ErrParse)
}

func TestDecodeHeartbeatAckRoundTrip(t *testing.T) {
	ack := &HeartbeatAck{
		SessionID:         "sess-1",
		Sequence:          7,
		OriginalTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ResponseTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 20_000_000, time.UTC),
		LatencyMs:         20,
	}
	encoded, err := Encode(ack)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	got, ok := decoded.(*HeartbeatAck)
	require.True(t, ok)
	assert.Equal(t, ack.Sequence, got.Sequence)
	assert.Equal(t, ack.LatencyMs, got.LatencyMs)
	assert.True(t, ack.OriginalTimestamp.Equal(got.OriginalTimestamp))
}

func TestDecodeStreamStartWithOpaqueCodecBlob(t *testing.T) {
	raw := []byte(`{
		"type": "STREAM_START",
		"session_id": "sess-1",
		"stream_id": "strm-1",
		"stream_type": "audio",
		"codec": {"name": "opus", "clock_rate": 48000},
		"ssrc": 12345,
		"encryption": {"key_id": "k1", "algorithm": "aes128_gcm"},
		"timestamp": "2026-01-01T00:00:00Z"
	}`)
	msg, err := Decode(raw)
	require.NoError(t, err)
	ss, ok := msg.(*StreamStart)
	require.True(t, ok)
	assert.Equal(t, StreamAudio, ss.StreamType)
	assert.EqualValues(t, 12345, ss.SSRC)
	assert.Equal(t, "opus", ss.Codec["name"])
}
