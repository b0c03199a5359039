// Package stream owns the set of live media Streams for a session: their
// lifecycle state machine and the lock-free SSRC-to-stream routing table
// StreamManager uses to dispatch inbound packets (spec §4.7, §5).
package stream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arcrtc/core/adapt"
	"github.com/arcrtc/core/health"
	"github.com/arcrtc/core/jitter"
	"github.com/arcrtc/core/plc"
	"github.com/arcrtc/core/rtppkt"
	"github.com/arcrtc/core/srtpcrypto"
)

// Kind is the media type carried by a Stream.
type Kind int

const (
	Audio Kind = iota
	Video
)

// State is a Stream's lifecycle state (spec §3).
type State int

const (
	Initializing State = iota
	Active
	Paused
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrDuplicateSSRC     = errors.New("stream: duplicate ssrc in session")
	ErrUnsupportedCodec  = errors.New("stream: unsupported codec")
	ErrInvalidTransition = errors.New("stream: invalid state transition")
	ErrUnknownStream     = errors.New("stream: unknown stream id")
	ErrUnknownSSRC       = errors.New("stream: unknown ssrc")
)

// Config describes a stream to be created (spec §4.7 create_stream).
type Config struct {
	Kind              Kind
	SSRC              uint32
	PayloadType       uint8
	CodecTag          string
	TargetBitrateBps  int
	Width, Height     int
	EncryptionEnabled bool
	SampleRateHz      uint32

	MasterKey, MasterSalt []byte
	CryptoSuite           srtpcrypto.Suite
}

var supportedCodecs = map[string]bool{
	"opus": true, "g711": true, "g722": true,
	"vp8": true, "vp9": true, "h264": true, "av1": true,
}

// Stats is a snapshot of a stream's counters (spec §4.7 get_stats).
type Stats struct {
	State         State
	PacketsIn     uint64
	PacketsOut    uint64
	BytesIn       uint64
	BytesOut      uint64
	LateDrops     uint64
	Gaps          uint64
	Health        health.Sample
	QualityLevel  adapt.QualityLevel
}

// Stream is a single unidirectional media flow, exclusively owned by its
// session (spec §3). Each Stream's pipeline runs on a single logical task
// at a time (spec §5), so its internal fields are not protected by locks.
type Stream struct {
	ID     uuid.UUID
	Config Config

	state atomic.Int32

	Crypto  *srtpcrypto.CryptoContext
	Jitter  *jitter.Buffer
	Plc     *plc.Engine
	Health  *health.Monitor
	Adapt   *adapt.Controller

	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64

	log zerolog.Logger
}

func newStream(cfg Config, log zerolog.Logger) (*Stream, error) {
	cryptoCtx, err := srtpcrypto.Derive(cfg.MasterKey, cfg.MasterSalt, cfg.SSRC, cfg.CryptoSuite)
	if err != nil {
		return nil, fmt.Errorf("stream: derive crypto context: %w", err)
	}

	mediaKind := plc.Audio
	adaptKind := adapt.Audio
	if cfg.Kind == Video {
		mediaKind = plc.Video
		adaptKind = adapt.Video
	}

	id := uuid.New()
	s := &Stream{
		ID:     id,
		Config: cfg,
		Crypto: cryptoCtx,
		Jitter: jitter.New(jitter.DefaultConfig()),
		Plc:    plc.New(plc.DefaultConfig(), mediaKind),
		Health: health.New(cfg.SampleRateHz, 5*time.Second, health.Thresholds{LossRate: 0.1, RttMs: 150}, log),
		Adapt:  adapt.New(adapt.High, adaptKind),
		log:    log.With().Str("stream_id", id.String()).Logger(),
	}
	s.state.Store(int32(Initializing))
	return s, nil
}

// State returns the stream's current lifecycle state.
func (s *Stream) State() State { return State(s.state.Load()) }

var validTransitions = map[State]map[State]bool{
	Initializing: {Active: true, Stopped: true, Error: true},
	Active:       {Paused: true, Stopped: true, Error: true},
	Paused:       {Active: true, Stopped: true, Error: true},
	Stopped:      {},
	Error:        {},
}

func (s *Stream) transition(next State) error {
	cur := s.State()
	if next == Error {
		s.state.Store(int32(Error))
		return nil
	}
	if !validTransitions[cur][next] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	s.state.Store(int32(next))
	return nil
}

// Manager owns every live Stream within a session and provides a lock-free
// SSRC-to-stream lookup (spec §4.7, §5).
type Manager struct {
	log zerolog.Logger

	byID   sync.Map // uuid.UUID -> *Stream
	bySSRC atomic.Pointer[map[uint32]*Stream]
}

// NewManager constructs an empty Manager.
func NewManager(log zerolog.Logger) *Manager {
	m := &Manager{log: log}
	empty := make(map[uint32]*Stream)
	m.bySSRC.Store(&empty)
	return m
}

// CreateStream constructs and registers a new Stream (spec §4.7
// create_stream).
func (m *Manager) CreateStream(cfg Config) (*Stream, error) {
	if !supportedCodecs[cfg.CodecTag] {
		return nil, ErrUnsupportedCodec
	}
	if _, ok := m.lookupSSRC(cfg.SSRC); ok {
		return nil, ErrDuplicateSSRC
	}

	s, err := newStream(cfg, m.log)
	if err != nil {
		return nil, err
	}

	m.byID.Store(s.ID, s)
	m.addSSRC(cfg.SSRC, s)
	m.log.Info().Str("stream_id", s.ID.String()).Uint32("ssrc", cfg.SSRC).Msg("stream created")
	return s, nil
}

// UpdateState applies a lifecycle transition (spec §4.7 update_state).
func (m *Manager) UpdateState(id uuid.UUID, next State) error {
	s, ok := m.get(id)
	if !ok {
		return ErrUnknownStream
	}
	return s.transition(next)
}

// RouteInbound parses raw bytes, extracts the SSRC, and dispatches to the
// owning stream (spec §4.7 route_inbound). The caller supplies arrival for
// health/jitter timing.
func (m *Manager) RouteInbound(raw []byte, arrival time.Time) error {
	hdr, err := rtppkt.Parse(raw)
	if err != nil {
		return fmt.Errorf("stream: route_inbound parse: %w", err)
	}
	s, ok := m.lookupSSRC(hdr.SSRC)
	if !ok {
		return ErrUnknownSSRC
	}

	opened, err := s.Crypto.Open(raw)
	if err != nil {
		return fmt.Errorf("stream: route_inbound open: %w", err)
	}

	extSeq := s.Crypto.HighestExtendedSeq()
	if low := uint16(extSeq); low != opened.SequenceNumber {
		// opened is older than the highest accepted packet (the replay
		// window keeps it within 64 of it): rebuild its extended sequence
		// from the highest one's rollover counter.
		roc := extSeq >> 16
		if opened.SequenceNumber > low && roc > 0 {
			roc--
		}
		extSeq = roc<<16 | uint64(opened.SequenceNumber)
	}
	s.Health.OnArrival(extSeq, opened.Timestamp, arrival)
	s.Jitter.Push(extSeq, opened, arrival)

	s.packetsIn.Add(1)
	s.bytesIn.Add(uint64(len(raw)))
	return nil
}

// RouteOutbound seals rtp_packet with the stream's crypto context and
// returns the wire bytes to hand to a TransportSink (spec §4.7
// route_outbound).
func (m *Manager) RouteOutbound(id uuid.UUID, pkt *rtppkt.Packet) ([]byte, error) {
	s, ok := m.get(id)
	if !ok {
		return nil, ErrUnknownStream
	}
	out, err := s.Crypto.Seal(pkt)
	if err != nil {
		return nil, fmt.Errorf("stream: route_outbound seal: %w", err)
	}
	s.packetsOut.Add(1)
	s.bytesOut.Add(uint64(len(out)))
	return out, nil
}

// GetStats returns a snapshot of a stream's counters (spec §4.7
// get_stats).
func (m *Manager) GetStats(id uuid.UUID) (Stats, error) {
	s, ok := m.get(id)
	if !ok {
		return Stats{}, ErrUnknownStream
	}
	return Stats{
		State:        s.State(),
		PacketsIn:    s.packetsIn.Load(),
		PacketsOut:   s.packetsOut.Load(),
		BytesIn:      s.bytesIn.Load(),
		BytesOut:     s.bytesOut.Load(),
		LateDrops:    s.Jitter.LateDrops(),
		Gaps:         s.Jitter.Gaps(),
		Health:       s.Health.Snapshot(),
		QualityLevel: s.Adapt.Level(),
	}, nil
}

// Get returns the stream with the given ID, if registered.
func (m *Manager) Get(id uuid.UUID) (*Stream, bool) { return m.get(id) }

func (m *Manager) get(id uuid.UUID) (*Stream, bool) {
	v, ok := m.byID.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Stream), true
}

func (m *Manager) lookupSSRC(ssrc uint32) (*Stream, bool) {
	tbl := *m.bySSRC.Load()
	s, ok := tbl[ssrc]
	return s, ok
}

// addSSRC installs a new SSRC entry by copy-on-write swapping the routing
// table, keeping lookups lock-free (spec §5).
func (m *Manager) addSSRC(ssrc uint32, s *Stream) {
	for {
		old := m.bySSRC.Load()
		next := make(map[uint32]*Stream, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[ssrc] = s
		if m.bySSRC.CompareAndSwap(old, &next) {
			return
		}
	}
}
