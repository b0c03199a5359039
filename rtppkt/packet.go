// Package rtppkt implements bit-exact parsing and serialization of RTP and
// RTCP datagrams (RFC 3550), plus the one-word profile-specific extension
// ArcRTC carries a 2-bit quality indicator and a 2-bit priority in.
package rtppkt

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// ProfileQualityPriority is the RTP header extension profile identifier
// (RFC 3550 §5.3.1) ArcRTC uses for its one-word in-band quality/priority
// field. It intentionally avoids the RFC 8285 one-byte (0xBEDE) and
// two-byte (0x1000) profile IDs so the extension is carried as a single
// opaque 32-bit word rather than a TLV list.
const ProfileQualityPriority uint16 = 0x99DD

const (
	fixedHeaderSize = 12
	maxCSRCCount    = 15
)

var (
	// ErrHeaderTooShort is returned when a buffer is shorter than the
	// fixed RTP header plus its declared CSRC list.
	ErrHeaderTooShort = errors.New("rtppkt: header too short")
	// ErrUnsupportedVersion is returned for any RTP version other than 2.
	ErrUnsupportedVersion = errors.New("rtppkt: unsupported rtp version")
	// ErrBadPadding is returned when the padding bit is set but the
	// trailing padding-length byte is zero or exceeds the payload.
	ErrBadPadding = errors.New("rtppkt: bad padding")
	// ErrTruncatedExtension is returned when the extension bit is set but
	// the declared extension length runs past the end of the buffer.
	ErrTruncatedExtension = errors.New("rtppkt: truncated extension header")
)

// Packet is a parsed RTP packet. It embeds pion/rtp's wire-format packet so
// callers get the RFC 3550 fields (Version, Padding, Marker, PayloadType,
// SequenceNumber, Timestamp, SSRC, CSRC, Payload) directly, and adds
// ArcRTC's quality/priority accessors on top.
type Packet struct {
	rtp.Packet
}

// Parse validates and decodes one RTP datagram. The returned Packet holds
// references into b's backing array where possible (no payload copy).
func Parse(b []byte) (*Packet, error) {
	if len(b) < fixedHeaderSize {
		return nil, fmt.Errorf("rtppkt: %d bytes: %w", len(b), ErrHeaderTooShort)
	}

	version := b[0] >> 6
	if version != 2 {
		return nil, fmt.Errorf("rtppkt: version %d: %w", version, ErrUnsupportedVersion)
	}

	hasPadding := b[0]&0x20 != 0
	hasExtension := b[0]&0x10 != 0
	csrcCount := int(b[0] & 0x0F)

	headerEnd := fixedHeaderSize + csrcCount*4
	if len(b) < headerEnd {
		return nil, fmt.Errorf("rtppkt: csrc=%d: %w", csrcCount, ErrHeaderTooShort)
	}

	if hasExtension {
		if len(b) < headerEnd+4 {
			return nil, fmt.Errorf("rtppkt: %w", ErrTruncatedExtension)
		}
		extWords := int(binary.BigEndian.Uint16(b[headerEnd+2 : headerEnd+4]))
		if len(b) < headerEnd+4+extWords*4 {
			return nil, fmt.Errorf("rtppkt: extension declares %d words: %w", extWords, ErrTruncatedExtension)
		}
	}

	if hasPadding {
		padCount := int(b[len(b)-1])
		if padCount == 0 || padCount > len(b)-headerEnd {
			return nil, fmt.Errorf("rtppkt: padding=%d: %w", padCount, ErrBadPadding)
		}
	}

	p := &Packet{}
	if err := p.Packet.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("rtppkt: %w", err)
	}
	return p, nil
}

// Serialize produces the exact byte sequence that would parse back to an
// equal packet (the round-trip law of spec §4.1/§8).
func (p *Packet) Serialize() ([]byte, error) {
	out, err := p.Packet.Marshal()
	if err != nil {
		return nil, fmt.Errorf("rtppkt: marshal: %w", err)
	}
	return out, nil
}

// QualityIndicator returns the 2-bit quality level carried in the
// profile-specific extension, or 0 if the packet carries none.
func (p *Packet) QualityIndicator() uint8 {
	word, ok := p.qualityExtensionWord()
	if !ok {
		return 0
	}
	return (word >> 2) & 0x3
}

// Priority returns the 2-bit priority carried in the profile-specific
// extension, or 0 if the packet carries none.
func (p *Packet) Priority() uint8 {
	word, ok := p.qualityExtensionWord()
	if !ok {
		return 0
	}
	return word & 0x3
}

func (p *Packet) qualityExtensionWord() (byte, bool) {
	if !p.Header.Extension || p.Header.ExtensionProfile != ProfileQualityPriority {
		return 0, false
	}
	if len(p.Header.ExtensionPayload) == 0 {
		return 0, false
	}
	return p.Header.ExtensionPayload[0], true
}

// SetQualityPriority installs (or replaces) the one-word profile-specific
// extension carrying the 2-bit quality indicator and 2-bit priority in the
// low 4 bits of its first byte; the remaining bits are reserved zero.
func SetQualityPriority(p *Packet, quality, priority uint8) {
	p.Header.Extension = true
	p.Header.ExtensionProfile = ProfileQualityPriority
	p.Header.ExtensionPayload = []byte{(quality&0x3)<<2 | (priority & 0x3), 0, 0, 0}
}
