// Package signaling implements the ArcSignaling message-driven session
// state machine (spec §4.8): a closed tagged union of JSON message types,
// ECDH session-key agreement, and heartbeat RTT sampling.
package signaling

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Type is the wire-format discriminator carried in every message's `type`
// field (spec §6). The set is closed; Decode rejects anything else.
type Type string

const (
	TypeConnect      Type = "CONNECT"
	TypeConnectAck   Type = "CONNECT_ACK"
	TypeStreamStart  Type = "STREAM_START"
	TypeStreamStop   Type = "STREAM_STOP"
	TypeQualityAdapt Type = "QUALITY_ADAPT"
	TypeHeartbeat    Type = "HEARTBEAT"
	TypeHeartbeatAck Type = "HEARTBEAT_ACK"
)

// Capabilities lists what a peer's CONNECT offers (spec §6).
type Capabilities struct {
	Codecs      []string `json:"codecs" mapstructure:"codecs"`
	Resolutions []string `json:"resolutions" mapstructure:"resolutions"`
	Encryption  []string `json:"encryption" mapstructure:"encryption"`
	Transport   []string `json:"transport" mapstructure:"transport"`
}

// NetworkInfo carries NAT/relay discovery data (spec §6).
type NetworkInfo struct {
	PublicIP     string   `json:"public_ip,omitempty" mapstructure:"public_ip"`
	PublicPort   int      `json:"public_port,omitempty" mapstructure:"public_port"`
	NATType      string   `json:"nat_type,omitempty" mapstructure:"nat_type"`
	RelayServers []string `json:"relay_servers,omitempty" mapstructure:"relay_servers"`
}

// EncryptionParams carries the negotiated (or offered) crypto suite.
// PublicKey is an ECDH (X25519) public key, base64-encoded on the wire;
// spec §6 names `encryption{algorithm, key_exchange}` without pinning a
// transport encoding for the key material itself, so this field is a
// documented supplement (see DESIGN.md).
type EncryptionParams struct {
	Algorithm   string `json:"algorithm,omitempty" mapstructure:"algorithm"`
	KeyExchange string `json:"key_exchange,omitempty" mapstructure:"key_exchange"`
	KeyID       string `json:"key_id,omitempty" mapstructure:"key_id"`
	PublicKey   string `json:"public_key,omitempty" mapstructure:"public_key"`
}

// Connect is the CONNECT message (spec §6): Idle -> Negotiating.
type Connect struct {
	Version      string       `json:"version" mapstructure:"version"`
	SessionID    string       `json:"session_id" mapstructure:"session_id"`
	PeerID       string       `json:"peer_id" mapstructure:"peer_id"`
	Capabilities Capabilities `json:"capabilities" mapstructure:"capabilities"`
	NetworkInfo  NetworkInfo  `json:"network_info" mapstructure:"network_info"`
	Encryption   EncryptionParams `json:"encryption,omitempty" mapstructure:"encryption"`
	Timestamp    time.Time    `json:"timestamp" mapstructure:"timestamp"`
}

func (m *Connect) messageType() Type { return TypeConnect }

// SelectedCodecs is CONNECT_ACK's chosen audio/video codec pair.
type SelectedCodecs struct {
	Audio string `json:"audio" mapstructure:"audio"`
	Video string `json:"video" mapstructure:"video"`
}

// ConnectAck is the CONNECT_ACK message (spec §6): Negotiating ->
// Established.
type ConnectAck struct {
	SessionID      string           `json:"session_id" mapstructure:"session_id"`
	PeerID         string           `json:"peer_id" mapstructure:"peer_id"`
	Accepted       bool             `json:"accepted" mapstructure:"accepted"`
	SelectedCodecs SelectedCodecs   `json:"selected_codecs" mapstructure:"selected_codecs"`
	NetworkInfo    NetworkInfo      `json:"network_info" mapstructure:"network_info"`
	Encryption     EncryptionParams `json:"encryption" mapstructure:"encryption"`
	Timestamp      time.Time        `json:"timestamp" mapstructure:"timestamp"`
}

func (m *ConnectAck) messageType() Type { return TypeConnectAck }

// StreamKind is STREAM_START's stream_type enum.
type StreamKind string

const (
	StreamAudio StreamKind = "audio"
	StreamVideo StreamKind = "video"
	StreamBoth  StreamKind = "both"
)

// CodecParams is an opaque per-codec parameter bag (spec treats codec
// internals as opaque byte transforms — Non-goal in spec §1).
type CodecParams map[string]interface{}

// StreamStart is the STREAM_START message (spec §6).
type StreamStart struct {
	SessionID  string           `json:"session_id" mapstructure:"session_id"`
	StreamID   string           `json:"stream_id" mapstructure:"stream_id"`
	StreamType StreamKind       `json:"stream_type" mapstructure:"stream_type"`
	Codec      CodecParams      `json:"codec" mapstructure:"codec"`
	SSRC       uint32           `json:"ssrc" mapstructure:"ssrc"`
	Encryption EncryptionParams `json:"encryption" mapstructure:"encryption"`
	Timestamp  time.Time        `json:"timestamp" mapstructure:"timestamp"`
}

func (m *StreamStart) messageType() Type { return TypeStreamStart }

// StopReason is STREAM_STOP's reason enum.
type StopReason string

const (
	StopUserRequest StopReason = "user_request"
	StopError       StopReason = "error"
	StopTimeout     StopReason = "timeout"
)

// StreamStop is the STREAM_STOP message (spec §6).
type StreamStop struct {
	SessionID string     `json:"session_id" mapstructure:"session_id"`
	StreamID  string     `json:"stream_id" mapstructure:"stream_id"`
	Reason    StopReason `json:"reason" mapstructure:"reason"`
	Timestamp time.Time  `json:"timestamp" mapstructure:"timestamp"`
}

func (m *StreamStop) messageType() Type { return TypeStreamStop }

// Quality is QUALITY_ADAPT's target quality payload.
type Quality struct {
	BitrateBps int    `json:"bitrate" mapstructure:"bitrate"`
	Resolution string `json:"resolution,omitempty" mapstructure:"resolution"`
	FPS        int    `json:"fps,omitempty" mapstructure:"fps"`
}

// AdaptReason is QUALITY_ADAPT's reason enum.
type AdaptReason string

const (
	AdaptBandwidth AdaptReason = "bandwidth"
	AdaptCPU       AdaptReason = "cpu"
	AdaptNetwork   AdaptReason = "network"
	AdaptKeyframe  AdaptReason = "keyframe"
)

// QualityAdapt is the QUALITY_ADAPT message (spec §6).
type QualityAdapt struct {
	SessionID string      `json:"session_id" mapstructure:"session_id"`
	StreamID  string      `json:"stream_id" mapstructure:"stream_id"`
	Quality   Quality     `json:"quality" mapstructure:"quality"`
	Reason    AdaptReason `json:"reason" mapstructure:"reason"`
	Timestamp time.Time   `json:"timestamp" mapstructure:"timestamp"`
}

func (m *QualityAdapt) messageType() Type { return TypeQualityAdapt }

// Heartbeat is the HEARTBEAT message (spec §6).
type Heartbeat struct {
	SessionID string    `json:"session_id" mapstructure:"session_id"`
	Sequence  uint64     `json:"sequence" mapstructure:"sequence"`
	Timestamp time.Time `json:"timestamp" mapstructure:"timestamp"`
}

func (m *Heartbeat) messageType() Type { return TypeHeartbeat }

// HeartbeatAck is the HEARTBEAT_ACK message (spec §6).
type HeartbeatAck struct {
	SessionID          string    `json:"session_id" mapstructure:"session_id"`
	Sequence           uint64    `json:"sequence" mapstructure:"sequence"`
	OriginalTimestamp  time.Time `json:"original_timestamp" mapstructure:"original_timestamp"`
	ResponseTimestamp  time.Time `json:"response_timestamp" mapstructure:"response_timestamp"`
	LatencyMs          int64     `json:"latency_ms" mapstructure:"latency_ms"`
}

func (m *HeartbeatAck) messageType() Type { return TypeHeartbeatAck }

// Message is the closed set any decoded signaling payload satisfies.
type Message interface {
	messageType() Type
}

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses one text-framed JSON signaling message into its concrete
// type. Unknown or missing `type` values are rejected as ParseError (spec
// §7).
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("signaling: %w: %v", ErrParse, err)
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("signaling: %w: %v", ErrParse, err)
	}

	var out Message
	switch env.Type {
	case TypeConnect:
		out = &Connect{}
	case TypeConnectAck:
		out = &ConnectAck{}
	case TypeStreamStart:
		out = &StreamStart{}
	case TypeStreamStop:
		out = &StreamStop{}
	case TypeQualityAdapt:
		out = &QualityAdapt{}
	case TypeHeartbeat:
		out = &Heartbeat{}
	case TypeHeartbeatAck:
		out = &HeartbeatAck{}
	default:
		return nil, fmt.Errorf("signaling: type %q: %w", env.Type, ErrParse)
	}

	if err := decodeInto(generic, out); err != nil {
		return nil, fmt.Errorf("signaling: %w: %v", ErrParse, err)
	}
	return out, nil
}

// Encode serializes msg back to its tagged-union wire form.
func Encode(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("signaling: encode: %w", err)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, fmt.Errorf("signaling: encode: %w", err)
	}
	generic["type"] = string(msg.messageType())
	return json.Marshal(generic)
}

// decodeInto uses mapstructure (rather than a second json.Unmarshal) to
// populate out from the already-parsed generic document, matching how
// loosely-typed nested capability/quality blobs are decoded elsewhere in
// the stack (see DESIGN.md).
func decodeInto(generic map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return dec.Decode(generic)
}

// encodePublicKey base64-encodes an X25519 public key for the wire.
func encodePublicKey(pub []byte) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// decodePublicKey reverses encodePublicKey.
func decodePublicKey(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
