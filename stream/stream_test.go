package stream

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcrtc/core/rtppkt"
	"github.com/arcrtc/core/srtpcrypto"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func testConfig(ssrc uint32) Config {
	return Config{
		Kind:             Audio,
		SSRC:             ssrc,
		PayloadType:      111,
		CodecTag:         "opus",
		TargetBitrateBps: 64_000,
		SampleRateHz:     8000,
		MasterKey:        make([]byte, 16),
		MasterSalt:       make([]byte, 14),
		CryptoSuite:      srtpcrypto.SuiteAES128GCM,
	}
}

func TestCreateStreamRejectsUnsupportedCodec(t *testing.T) {
	m := NewManager(testLogger())
	cfg := testConfig(1)
	cfg.CodecTag = "proprietary-mystery-codec"
	_, err := m.CreateStream(cfg)
	require.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestCreateStreamRejectsDuplicateSSRC(t *testing.T) {
	m := NewManager(testLogger())
	_, err := m.CreateStream(testConfig(42))
	require.NoError(t, err)

	_, err = m.CreateStream(testConfig(42))
	require.ErrorIs(t, err, ErrDuplicateSSRC)
}

func TestNewStreamStartsInitializing(t *testing.T) {
	m := NewManager(testLogger())
	s, err := m.CreateStream(testConfig(1))
	require.NoError(t, err)
	assert.Equal(t, Initializing, s.State())
}

func TestValidTransitionSequence(t *testing.T) {
	m := NewManager(testLogger())
	s, _ := m.CreateStream(testConfig(1))

	require.NoError(t, m.UpdateState(s.ID, Active))
	require.NoError(t, m.UpdateState(s.ID, Paused))
	require.NoError(t, m.UpdateState(s.ID, Active))
	require.NoError(t, m.UpdateState(s.ID, Stopped))
}

func TestInvalidTransitionIsRejected(t *testing.T) {
	m := NewManager(testLogger())
	s, _ := m.CreateStream(testConfig(1))

	err := m.UpdateState(s.ID, Paused) // Initializing -> Paused is invalid
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAnyStateCanTransitionToError(t *testing.T) {
	m := NewManager(testLogger())
	s, _ := m.CreateStream(testConfig(1))
	require.NoError(t, m.UpdateState(s.ID, Active))
	require.NoError(t, m.UpdateState(s.ID, Error))
	assert.Equal(t, Error, s.State())
}

func TestStoppedIsTerminal(t *testing.T) {
	m := NewManager(testLogger())
	s, _ := m.CreateStream(testConfig(1))
	require.NoError(t, m.UpdateState(s.ID, Stopped))
	err := m.UpdateState(s.ID, Active)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateStateOnUnknownStreamFails(t *testing.T) {
	m := NewManager(testLogger())
	err := m.UpdateState([16]byte{}, Active)
	require.ErrorIs(t, err, ErrUnknownStream)
}

func TestRouteOutboundThenInboundRoundTrip(t *testing.T) {
	m := NewManager(testLogger())
	s, err := m.CreateStream(testConfig(999))
	require.NoError(t, err)

	p := &rtppkt.Packet{}
	p.Header.Version = 2
	p.Header.PayloadType = 111
	p.Header.SequenceNumber = 1
	p.Header.Timestamp = 160
	p.Header.SSRC = 999
	p.Payload = []byte{1, 2, 3, 4}

	wire, err := m.RouteOutbound(s.ID, p)
	require.NoError(t, err)

	err = m.RouteInbound(wire, time.Now())
	require.NoError(t, err)

	stats, err := m.GetStats(s.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.PacketsIn)
	assert.EqualValues(t, 1, stats.PacketsOut)
}

func TestRouteInboundUnknownSSRCFails(t *testing.T) {
	m := NewManager(testLogger())
	_, err := m.CreateStream(testConfig(1))
	require.NoError(t, err)

	other := testConfig(2)
	p := &rtppkt.Packet{}
	p.Header.Version = 2
	p.Header.SSRC = other.SSRC
	p.Header.SequenceNumber = 1
	wire, err := p.Serialize()
	require.NoError(t, err)

	err = m.RouteInbound(wire, time.Now())
	require.ErrorIs(t, err, ErrUnknownSSRC)
}

func TestGetStatsOnUnknownStreamFails(t *testing.T) {
	m := NewManager(testLogger())
	_, err := m.GetStats([16]byte{})
	require.ErrorIs(t, err, ErrUnknownStream)
}
