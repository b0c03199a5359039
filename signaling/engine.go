package signaling

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"

	"github.com/arcrtc/core/keyprovider"
	"github.com/arcrtc/core/stream"
)

var (
	ErrParse                = errors.New("signaling: parse error")
	ErrInvalidTransition    = errors.New("signaling: invalid session transition")
	ErrUnknownSession       = errors.New("signaling: unknown session")
	ErrPrematureStreamStart = errors.New("signaling: premature stream start")
)

// State is a Session's lifecycle state (spec §4.8).
type State int

const (
	Idle State = iota
	Negotiating
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one negotiated peer association (spec §3).
type Session struct {
	ID        string
	PeerID    string
	State     State
	CreatedAt time.Time

	localPriv, localPub []byte
	sharedSecret        []byte

	streamIDs map[string]uuid.UUID

	heartbeatSeq      uint64
	pendingHeartbeats map[uint64]time.Time
	lastAckAt         time.Time
	lastRTT           time.Duration
}

// LocalPublicKey returns the session's base64-encoded X25519 public key,
// generated during CONNECT handling, for the caller to carry in the
// outgoing CONNECT_ACK's encryption.public_key field.
func (s *Session) LocalPublicKey() string {
	if s.localPub == nil {
		return ""
	}
	return encodePublicKey(s.localPub)
}

// RTT returns the most recently measured heartbeat round-trip time.
func (s *Session) RTT() time.Duration { return s.lastRTT }

// Config holds the tunables from spec §6 ("session" options).
type Config struct {
	HeartbeatInterval          time.Duration
	HeartbeatTimeoutMultiplier int
	SignalingReplyTimeout      time.Duration
}

// DefaultConfig returns the defaults named in spec §6.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:          5 * time.Second,
		HeartbeatTimeoutMultiplier: 3,
		SignalingReplyTimeout:      3 * time.Second,
	}
}

// EncoderHook is called when a QualityAdapt decision must be applied to the
// local encoder (spec §4.6: "applied to the local encoder interface
// (external collaborator)"). The core does not implement an encoder; it
// only forwards the decision.
type EncoderHook func(sessionID, streamID string, quality Quality, reason AdaptReason)

// Engine drives the session and stream setup/teardown state machine (spec
// §4.8). Safe for concurrent use across sessions; per-session state is not
// internally locked because, per spec §5, signaling messages for a single
// session arrive FIFO on one channel.
type Engine struct {
	log     zerolog.Logger
	cfg     Config
	streams *stream.Manager
	keys    keyprovider.KeyProvider

	onQualityAdapt EncoderHook

	sessions sync.Map // string -> *Session
}

// NewEngine constructs an Engine wired to a StreamManager and KeyProvider.
func NewEngine(cfg Config, streams *stream.Manager, keys keyprovider.KeyProvider, log zerolog.Logger) *Engine {
	return &Engine{log: log, cfg: cfg, streams: streams, keys: keys}
}

// OnQualityAdapt registers the local-encoder forwarding hook.
func (e *Engine) OnQualityAdapt(hook EncoderHook) { e.onQualityAdapt = hook }

// Session returns the named session, if known.
func (e *Engine) Session(id string) (*Session, bool) {
	v, ok := e.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// HandleMessage dispatches one decoded signaling message, returning a
// response message when the protocol calls for an immediate reply
// (CONNECT -> CONNECT_ACK is not modeled here since ConnectAck is itself
// the negotiation response the *other* peer sends; HEARTBEAT ->
// HEARTBEAT_ACK is the one case requiring an immediate synchronous reply).
func (e *Engine) HandleMessage(now time.Time, msg Message) (Message, error) {
	switch m := msg.(type) {
	case *Connect:
		return nil, e.handleConnect(now, m)
	case *ConnectAck:
		return nil, e.handleConnectAck(now, m)
	case *StreamStart:
		return nil, e.handleStreamStart(now, m)
	case *StreamStop:
		return nil, e.handleStreamStop(now, m)
	case *QualityAdapt:
		return nil, e.handleQualityAdapt(now, m)
	case *Heartbeat:
		return e.handleHeartbeat(now, m)
	case *HeartbeatAck:
		return nil, e.handleHeartbeatAck(now, m)
	default:
		return nil, fmt.Errorf("signaling: %w: unhandled message %T", ErrParse, msg)
	}
}

func (e *Engine) handleConnect(now time.Time, m *Connect) error {
	s, ok := e.Session(m.SessionID)
	if !ok {
		s = &Session{
			ID:                m.SessionID,
			PeerID:            m.PeerID,
			State:             Idle,
			CreatedAt:         now,
			streamIDs:         make(map[string]uuid.UUID),
			pendingHeartbeats: make(map[uint64]time.Time),
		}
		e.sessions.Store(s.ID, s)
	}
	if s.State != Idle {
		return fmt.Errorf("%w: connect while %s", ErrInvalidTransition, s.State)
	}

	priv, pub, err := generateX25519Keypair()
	if err != nil {
		return fmt.Errorf("signaling: generate ecdh keypair: %w", err)
	}
	s.localPriv, s.localPub = priv, pub

	if m.Encryption.PublicKey != "" {
		peerPub, err := decodePublicKey(m.Encryption.PublicKey)
		if err == nil {
			if secret, err := sharedSecret(priv, peerPub); err == nil {
				s.sharedSecret = secret
			}
		}
	}

	s.State = Negotiating
	return nil
}

func (e *Engine) handleConnectAck(now time.Time, m *ConnectAck) error {
	s, ok := e.Session(m.SessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, m.SessionID)
	}
	if s.State != Negotiating {
		return fmt.Errorf("%w: connect_ack while %s", ErrInvalidTransition, s.State)
	}

	if s.sharedSecret == nil && m.Encryption.PublicKey != "" {
		peerPub, err := decodePublicKey(m.Encryption.PublicKey)
		if err != nil {
			return fmt.Errorf("signaling: decode peer public key: %w", err)
		}
		secret, err := sharedSecret(s.localPriv, peerPub)
		if err != nil {
			return fmt.Errorf("signaling: ecdh: %w", err)
		}
		s.sharedSecret = secret
	}
	if s.sharedSecret == nil {
		return fmt.Errorf("signaling: connect_ack: no shared secret established")
	}

	masterKey, masterSalt, err := deriveSessionKeys(s.sharedSecret)
	if err != nil {
		return fmt.Errorf("signaling: derive session keys: %w", err)
	}
	if err := e.keys.Put(s.ID, keyprovider.Keys{MasterKey: masterKey, MasterSalt: masterSalt}); err != nil {
		return fmt.Errorf("signaling: install session keys: %w", err)
	}

	s.State = Established
	return nil
}

func (e *Engine) handleStreamStart(now time.Time, m *StreamStart) error {
	s, ok := e.Session(m.SessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, m.SessionID)
	}
	if s.State == Negotiating {
		return ErrPrematureStreamStart
	}
	if s.State != Established {
		return fmt.Errorf("%w: stream_start while %s", ErrInvalidTransition, s.State)
	}

	keys, err := e.keys.Get(s.ID)
	if err != nil {
		return fmt.Errorf("signaling: stream_start: %w", err)
	}

	kind := stream.Audio
	if m.StreamType == StreamVideo {
		kind = stream.Video
	}
	codecTag, _ := m.Codec["name"].(string)

	created, err := e.streams.CreateStream(stream.Config{
		Kind:              kind,
		SSRC:              m.SSRC,
		CodecTag:          codecTag,
		EncryptionEnabled: true,
		MasterKey:         keys.MasterKey,
		MasterSalt:        keys.MasterSalt,
	})
	if err != nil {
		return fmt.Errorf("signaling: stream_start: %w", err)
	}

	if err := e.streams.UpdateState(created.ID, stream.Active); err != nil {
		return fmt.Errorf("signaling: stream_start activate: %w", err)
	}

	s.streamIDs[m.StreamID] = created.ID
	return nil
}

func (e *Engine) handleStreamStop(now time.Time, m *StreamStop) error {
	s, ok := e.Session(m.SessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, m.SessionID)
	}
	id, ok := s.streamIDs[m.StreamID]
	if !ok {
		return fmt.Errorf("stream_stop: unknown stream %q", m.StreamID)
	}
	if err := e.streams.UpdateState(id, stream.Stopped); err != nil {
		return fmt.Errorf("signaling: stream_stop: %w", err)
	}
	delete(s.streamIDs, m.StreamID)
	return nil
}

func (e *Engine) handleQualityAdapt(now time.Time, m *QualityAdapt) error {
	if _, ok := e.Session(m.SessionID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, m.SessionID)
	}
	if e.onQualityAdapt != nil {
		e.onQualityAdapt(m.SessionID, m.StreamID, m.Quality, m.Reason)
	}
	return nil
}

func (e *Engine) handleHeartbeat(now time.Time, m *Heartbeat) (Message, error) {
	s, ok := e.Session(m.SessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, m.SessionID)
	}
	s.lastAckAt = now
	return &HeartbeatAck{
		SessionID:         m.SessionID,
		Sequence:          m.Sequence,
		OriginalTimestamp: m.Timestamp,
		ResponseTimestamp: now,
		LatencyMs:         now.Sub(m.Timestamp).Milliseconds(),
	}, nil
}

func (e *Engine) handleHeartbeatAck(now time.Time, m *HeartbeatAck) error {
	s, ok := e.Session(m.SessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, m.SessionID)
	}
	sentAt, ok := s.pendingHeartbeats[m.Sequence]
	if ok {
		s.lastRTT = now.Sub(sentAt)
		delete(s.pendingHeartbeats, m.Sequence)
	} else {
		s.lastRTT = time.Duration(m.LatencyMs) * time.Millisecond
	}
	s.lastAckAt = now
	return nil
}

// SendHeartbeat constructs the next outgoing Heartbeat for a session,
// recording its send time for RTT attribution on the matching ack.
func (e *Engine) SendHeartbeat(sessionID string, now time.Time) (*Heartbeat, error) {
	s, ok := e.Session(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	s.heartbeatSeq++
	s.pendingHeartbeats[s.heartbeatSeq] = now
	return &Heartbeat{SessionID: sessionID, Sequence: s.heartbeatSeq, Timestamp: now}, nil
}

// CheckHeartbeatTimeout reports whether sessionID has gone silent for more
// than heartbeat_timeout_multiplier heartbeat intervals (spec §3, §4.8).
func (e *Engine) CheckHeartbeatTimeout(sessionID string, now time.Time) bool {
	s, ok := e.Session(sessionID)
	if !ok || s.lastAckAt.IsZero() {
		return false
	}
	return now.Sub(s.lastAckAt) > time.Duration(e.cfg.HeartbeatTimeoutMultiplier)*e.cfg.HeartbeatInterval
}

// Close tears down a session: every owned stream is stopped, then the
// session moves Closing -> Closed and its keys are released (spec §4.8,
// §7).
func (e *Engine) Close(sessionID string) error {
	s, ok := e.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	s.State = Closing
	for _, id := range s.streamIDs {
		_ = e.streams.UpdateState(id, stream.Stopped)
	}
	s.streamIDs = make(map[string]uuid.UUID)
	_ = e.keys.Delete(sessionID)
	s.State = Closed
	return nil
}

func generateX25519Keypair() (priv, pub []byte, err error) {
	priv = make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = x25519Base(priv)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func deriveSessionKeys(secret []byte) (masterKey, masterSalt []byte, err error) {
	r := hkdf.New(sha256.New, secret, nil, []byte("arcrtc-session"))
	masterKey = make([]byte, 16)
	if _, err := readFull(r, masterKey); err != nil {
		return nil, nil, err
	}
	masterSalt = make([]byte, 14)
	if _, err := readFull(r, masterSalt); err != nil {
		return nil, nil, err
	}
	return masterKey, masterSalt, nil
}
