package arcrtc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcrtc/core/keyprovider"
	"github.com/arcrtc/core/signaling"
	"github.com/arcrtc/core/transport"
)

func newTestCore(t *testing.T) (*Core, *transport.UDPSink) {
	t.Helper()
	sink, err := transport.ListenUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })

	keys := keyprovider.NewMemory()
	core := New(DefaultConfig(), keys, sink, zerolog.Nop())
	return core, sink
}

func TestNewCoreWiresComponents(t *testing.T) {
	core, _ := newTestCore(t)
	assert.NotNil(t, core.Signaling)
	assert.NotNil(t, core.Streams)
	assert.NotNil(t, core.Keys)
	assert.NotNil(t, core.Sink)
}

func TestSendSignalingEncodesAndWrites(t *testing.T) {
	core, sink := newTestCore(t)

	peer, err := transport.ListenUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer peer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hb := &signaling.Heartbeat{SessionID: "sess-1", Sequence: 1, Timestamp: time.Now()}
	require.NoError(t, core.SendSignaling(ctx, peer.LocalCandidate().Addr, hb))

	raw, _, err := peer.Recv(ctx)
	require.NoError(t, err)

	decoded, err := signaling.Decode(raw)
	require.NoError(t, err)
	got, ok := decoded.(*signaling.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, hb.SessionID, got.SessionID)
	_ = sink
}

func TestRunInboundLoopStopsOnContextCancel(t *testing.T) {
	core, _ := newTestCore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := core.RunInboundLoop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
