// Package srtpcrypto implements per-stream SRTP sealing/opening: HKDF-SHA256
// key derivation, AES-GCM AEAD, and RFC 3711 §3.3.1 replay protection.
//
// A CryptoContext is not safe for concurrent use. Per the core's
// single-writer-per-stream scheduling model (spec §5), each stream's
// pipeline task is the only caller of Seal/Open for its context.
package srtpcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/arcrtc/core/rtppkt"
)

const (
	// EncKeyLen is the AES-128-GCM encryption key length in bytes.
	EncKeyLen = 16
	// AuthKeyLen is the derived authentication key length in bytes.
	// GCM is a combined AEAD so this key is not used for a separate MAC;
	// it is still derived so a future suite swap (e.g. SHA1-HMAC) has a key
	// ready without changing the derivation call sites.
	AuthKeyLen = 20
	// SaltLen is the derived session salt length in bytes (RFC 3711-style).
	SaltLen = 14

	gcmNonceLen = 12
	gcmTagLen   = 16

	// ReplayWindowSize is the number of trailing sequence slots tracked for
	// duplicate/late detection (spec §4.2, configurable default 64).
	ReplayWindowSize = 64

	// RotationPacketLimit is the packet count after which spec §4.2(c)
	// requires rotation.
	RotationPacketLimit = 1 << 31
)

var (
	ErrAuthFailed        = errors.New("srtpcrypto: authentication failed")
	ErrReplayDetected    = errors.New("srtpcrypto: replay detected")
	ErrRotationRequired  = errors.New("srtpcrypto: key rotation required")
	ErrShortCiphertext   = errors.New("srtpcrypto: ciphertext shorter than auth tag")
	ErrSSRCMismatch      = errors.New("srtpcrypto: ssrc does not match context")
)

// Suite selects the AEAD cipher used for a CryptoContext.
type Suite int

const (
	SuiteAES128GCM Suite = iota
	SuiteAES256GCM
)

func (s Suite) keyLen() int {
	if s == SuiteAES256GCM {
		return 32
	}
	return EncKeyLen
}

// CryptoContext is per-stream SRTP state: derived keys, rollover counter,
// highest received extended sequence, and the replay bitmap.
type CryptoContext struct {
	SSRC  uint32
	Suite Suite

	encKey  []byte
	authKey []byte
	salt    []byte
	aead    cipher.AEAD

	initialized   bool
	highestExtSeq uint64
	replayWindow  uint64

	sendInitialized   bool
	sendHighestExtSeq uint64

	packetsSealed int
}

// Derive computes a CryptoContext for ssrc from a master key/salt pair
// using HKDF-SHA256 with the labels "arcrtc-enc", "arcrtc-auth",
// "arcrtc-salt" (spec §4.2). Deterministic in its inputs.
func Derive(masterKey, masterSalt []byte, ssrc uint32, suite Suite) (*CryptoContext, error) {
	encKey, err := hkdfExpand(masterKey, masterSalt, "arcrtc-enc", suite.keyLen())
	if err != nil {
		return nil, fmt.Errorf("srtpcrypto: derive enc key: %w", err)
	}
	authKey, err := hkdfExpand(masterKey, masterSalt, "arcrtc-auth", AuthKeyLen)
	if err != nil {
		return nil, fmt.Errorf("srtpcrypto: derive auth key: %w", err)
	}
	salt, err := hkdfExpand(masterKey, masterSalt, "arcrtc-salt", SaltLen)
	if err != nil {
		return nil, fmt.Errorf("srtpcrypto: derive salt: %w", err)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("srtpcrypto: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("srtpcrypto: gcm: %w", err)
	}

	return &CryptoContext{
		SSRC:    ssrc,
		Suite:   suite,
		encKey:  encKey,
		authKey: authKey,
		salt:    salt,
		aead:    aead,
	}, nil
}

func hkdfExpand(masterKey, masterSalt []byte, label string, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, masterSalt, []byte(label))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Seal encrypts pkt's payload into a fresh buffer (pkt is not modified) with the RTP
// header as AAD and appends the 16-byte GCM tag, returning the SRTP wire
// bytes. Updates the rollover counter on sequence wraparound.
func (c *CryptoContext) Seal(pkt *rtppkt.Packet) ([]byte, error) {
	if c.SSRC != 0 && pkt.SSRC != c.SSRC {
		return nil, ErrSSRCMismatch
	}
	if c.packetsSealed >= RotationPacketLimit {
		return nil, ErrRotationRequired
	}

	extSeq := c.guessSendExtSeq(pkt.SequenceNumber)
	roc := uint32(extSeq >> 16)

	header, err := headerOnly(pkt)
	if err != nil {
		return nil, err
	}

	nonce := c.nonce(roc, pkt.SequenceNumber)
	sealed := c.aead.Seal(nil, nonce, pkt.Payload, header)

	c.markSent(extSeq)
	c.packetsSealed++

	out := make([]byte, 0, len(header)+len(sealed))
	out = append(out, header...)
	out = append(out, sealed...)
	return out, nil
}

// Open authenticates and decrypts srtpBytes, reconstructing the extended
// sequence number via the signed-delta ROC-probe rule (RFC 3711 §3.3.1)
// and enforcing the replay window.
func (c *CryptoContext) Open(srtpBytes []byte) (*rtppkt.Packet, error) {
	pkt, err := rtppkt.Parse(srtpBytes)
	if err != nil {
		return nil, err
	}
	if c.SSRC != 0 && pkt.SSRC != c.SSRC {
		return nil, ErrSSRCMismatch
	}
	if len(pkt.Payload) < gcmTagLen {
		return nil, ErrShortCiphertext
	}

	extSeq := c.guessExtSeq(pkt.SequenceNumber)
	if err := c.checkReplay(extSeq); err != nil {
		return nil, err
	}

	header, err := headerOnly(pkt)
	if err != nil {
		return nil, err
	}

	roc := uint32(extSeq >> 16)
	nonce := c.nonce(roc, pkt.SequenceNumber)
	plain, err := c.aead.Open(nil, nonce, pkt.Payload, header)
	if err != nil {
		return nil, ErrAuthFailed
	}

	c.markReceived(extSeq)
	pkt.Payload = plain
	return pkt, nil
}

// Rotate derives a fresh CryptoContext from new_master_key for the same
// SSRC and suite. Per spec §4.2, the caller decides the extended-sequence
// boundary to switch at and must retain the previous context for a
// one-second grace window to absorb reordered packets; this function does
// not mutate c.
func (c *CryptoContext) Rotate(newMasterKey, newMasterSalt []byte) (*CryptoContext, error) {
	return Derive(newMasterKey, newMasterSalt, c.SSRC, c.Suite)
}

// HighestExtendedSeq reports the highest extended sequence number accepted
// by Open so far.
func (c *CryptoContext) HighestExtendedSeq() uint64 { return c.highestExtSeq }

func (c *CryptoContext) guessExtSeq(seq uint16) uint64 {
	if !c.initialized {
		return uint64(seq)
	}
	roc := int64(c.highestExtSeq >> 16)
	highLow := uint16(c.highestExtSeq)
	delta := int32(seq) - int32(highLow)
	switch {
	case delta > 0x8000:
		roc--
	case delta < -0x8000:
		roc++
	}
	if roc < 0 {
		roc = 0
	}
	return uint64(roc)<<16 | uint64(seq)
}

// guessSendExtSeq applies the same signed-delta ROC-probe rule as
// guessExtSeq, but against this context's own send-side sequence state so
// that Seal's rollover tracking never observes Open's receive-side state
// (and vice versa) when both share one CryptoContext.
func (c *CryptoContext) guessSendExtSeq(seq uint16) uint64 {
	if !c.sendInitialized {
		return uint64(seq)
	}
	roc := int64(c.sendHighestExtSeq >> 16)
	highLow := uint16(c.sendHighestExtSeq)
	delta := int32(seq) - int32(highLow)
	switch {
	case delta > 0x8000:
		roc--
	case delta < -0x8000:
		roc++
	}
	if roc < 0 {
		roc = 0
	}
	return uint64(roc)<<16 | uint64(seq)
}

// markSent records extSeq as the latest sealed sequence. Unlike
// markReceived, it keeps no replay bitmap: replay detection only applies to
// packets this context receives, not ones it sends.
func (c *CryptoContext) markSent(extSeq uint64) {
	if !c.sendInitialized || extSeq > c.sendHighestExtSeq {
		c.sendHighestExtSeq = extSeq
		c.sendInitialized = true
	}
}

func (c *CryptoContext) checkReplay(extSeq uint64) error {
	if !c.initialized || extSeq > c.highestExtSeq {
		return nil
	}
	delta := c.highestExtSeq - extSeq
	if delta >= ReplayWindowSize {
		return ErrReplayDetected
	}
	if c.replayWindow&(1<<delta) != 0 {
		return ErrReplayDetected
	}
	return nil
}

func (c *CryptoContext) markReceived(extSeq uint64) {
	if !c.initialized {
		c.highestExtSeq = extSeq
		c.replayWindow = 1
		c.initialized = true
		return
	}
	if extSeq > c.highestExtSeq {
		shift := extSeq - c.highestExtSeq
		if shift >= ReplayWindowSize {
			c.replayWindow = 0
		} else {
			c.replayWindow <<= shift
		}
		c.replayWindow |= 1
		c.highestExtSeq = extSeq
		return
	}
	delta := c.highestExtSeq - extSeq
	c.replayWindow |= 1 << delta
}

// nonce builds the 96-bit GCM IV: the session salt XORed with
// SSRC(4) || ROC(4) || sequence(2) || 0x0000 (spec §4.2).
func (c *CryptoContext) nonce(roc uint32, seq uint16) []byte {
	n := make([]byte, gcmNonceLen)
	binary.BigEndian.PutUint32(n[0:4], c.SSRC)
	binary.BigEndian.PutUint32(n[4:8], roc)
	binary.BigEndian.PutUint16(n[8:10], seq)
	for i := 0; i < gcmNonceLen; i++ {
		n[i] ^= c.salt[i]
	}
	return n
}

// headerOnly re-serializes pkt with an empty payload to obtain the exact
// header+extension bytes used as AEAD associated data.
func headerOnly(pkt *rtppkt.Packet) ([]byte, error) {
	clone := *pkt
	clone.Payload = nil
	clone.PaddingSize = 0
	b, err := clone.Serialize()
	if err != nil {
		return nil, fmt.Errorf("srtpcrypto: header aad: %w", err)
	}
	return b, nil
}
