// Package jitter implements the adaptive jitter buffer: a per-stream
// reordering ring keyed by extended sequence number, with an adaptive
// target depth recomputed from the stream's jitter and loss estimates
// (spec §4.3).
package jitter

import (
	"math"
	"time"

	"github.com/arcrtc/core/rtppkt"
)

// Result is the outcome of a Pop call.
type Result int

const (
	// NotYet means the head slot is still unoccupied but not yet stale
	// enough to declare a gap; the caller should retry later.
	NotYet Result = iota
	// Delivered means a packet was returned in strictly ascending
	// extended-sequence order.
	Delivered
	// Gap means the head slot timed out waiting for its packet; the
	// caller should invoke PLC concealment for the returned sequence.
	Gap
)

// Config holds the tunables from spec §6 ("jitter" options).
type Config struct {
	MinDepthMs     int
	MaxDepthMs     int
	InitialDepthMs int
	AdaptInterval  time.Duration
	// PacketIntervalMs is the nominal spacing between packets. Buffer does
	// not consult it: late-packet detection in Push drops any packet behind
	// the head regardless of depth. Not part of spec §6's enumerated options;
	// chosen to match common 20ms audio packetization (spec §8 Scenario A).
	PacketIntervalMs int
}

// DefaultConfig returns the defaults named in spec §6.
func DefaultConfig() Config {
	return Config{
		MinDepthMs:       5,
		MaxDepthMs:       50,
		InitialDepthMs:   10,
		AdaptInterval:    500 * time.Millisecond,
		PacketIntervalMs: 20,
	}
}

type entry struct {
	pkt     *rtppkt.Packet
	arrival time.Time
}

// Buffer is a single stream's jitter buffer. Not safe for concurrent use;
// owned exclusively by its stream's pipeline task (spec §5).
type Buffer struct {
	cfg Config

	ring map[uint64]entry
	head uint64
	init bool

	targetDepthMs int
	newestArrival time.Time

	lateDrops uint64
	gapCount  uint64
}

// New constructs a Buffer with its initial target depth per cfg.
func New(cfg Config) *Buffer {
	if cfg.PacketIntervalMs <= 0 {
		cfg.PacketIntervalMs = 20
	}
	return &Buffer{
		cfg:           cfg,
		ring:          make(map[uint64]entry),
		targetDepthMs: cfg.InitialDepthMs,
	}
}

// TargetDepthMs reports the current adaptive target depth.
func (b *Buffer) TargetDepthMs() int { return b.targetDepthMs }

// LateDrops reports the number of packets dropped for arriving after the
// buffer's head had already advanced past their slot.
func (b *Buffer) LateDrops() uint64 { return b.lateDrops }

// Gaps reports the number of slots delivered as Gap.
func (b *Buffer) Gaps() uint64 { return b.gapCount }

// Push inserts pkt at extSeq (computed by the caller from the stream's
// CryptoSession rollover counter). Packets at or behind a slot the buffer
// has already delivered (via Pop) are dropped as late.
func (b *Buffer) Push(extSeq uint64, pkt *rtppkt.Packet, arrival time.Time) {
	if !b.init {
		b.head = extSeq
		b.init = true
	}
	if arrival.After(b.newestArrival) {
		b.newestArrival = arrival
	}
	if extSeq < b.head {
		b.lateDrops++
		return
	}
	b.ring[extSeq] = entry{pkt: pkt, arrival: arrival}
}

// Pop returns the next packet in ascending extended-sequence order, a Gap
// marker if the head slot has gone stale, or NotYet if the caller should
// retry later.
func (b *Buffer) Pop(now time.Time) (pkt *rtppkt.Packet, seq uint64, result Result) {
	if !b.init {
		return nil, 0, NotYet
	}

	if e, ok := b.ring[b.head]; ok {
		delete(b.ring, b.head)
		seq = b.head
		b.head++
		return e.pkt, seq, Delivered
	}

	if !b.newestArrival.IsZero() {
		stale := now.Sub(b.newestArrival) > time.Duration(b.targetDepthMs)*time.Millisecond
		if stale {
			seq = b.head
			b.head++
			b.gapCount++
			return nil, seq, Gap
		}
	}
	return nil, 0, NotYet
}

// Adapt recomputes the target depth from the current jitter estimate (ms)
// and loss rate ([0,1]) per spec §4.3:
//
//	target = clamp(round(2*jitter + 5*loss*maxDepth), minDepth, maxDepth)
func (b *Buffer) Adapt(jitterMs, lossRate float64) {
	raw := 2*jitterMs + 5*lossRate*float64(b.cfg.MaxDepthMs)
	target := int(math.Round(raw))
	b.targetDepthMs = clampInt(target, b.cfg.MinDepthMs, b.cfg.MaxDepthMs)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
