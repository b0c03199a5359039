// Package health computes rolling connection-quality estimates (loss,
// jitter, RTT, bandwidth) from RTP arrivals and RTCP reports, per spec
// §4.5. Each Monitor is owned by exactly one stream (spec §5's
// single-writer-per-stream model); no internal locking.
package health

import (
	"math"
	"time"

	"github.com/rs/zerolog"
)

// Sample is one rolling quality snapshot (spec §3 HealthSample).
type Sample struct {
	LossRate             float64
	JitterMs             float64
	RttMs                float64
	BandwidthEstimateBps float64
	Timestamp            time.Time
}

// Thresholds configures when Monitor fires its subscription callback.
type Thresholds struct {
	LossRate float64
	JitterMs float64
	RttMs    float64
}

// Callback is invoked when a sample crosses a configured threshold. Must
// not block (spec §4.5).
type Callback func(Sample)

// Monitor tracks one stream's rolling health metrics.
type Monitor struct {
	log zerolog.Logger

	sampleRate uint32
	window     time.Duration

	// Loss-rate bookkeeping.
	haveBase     bool
	baseExtSeq   uint64
	highestSeen  uint64
	receivedPkts uint64

	// RFC 3550 §6.4.1 interarrival jitter, tracked in clock ticks.
	haveLast      bool
	lastArrival   time.Time
	lastTimestamp uint32
	jitterTicks   float64

	lastRTT time.Duration

	bw    *BandwidthEstimator
	trend *trendDetector

	thresholds Thresholds
	callbacks  []Callback

	ring []Sample
}

// New constructs a Monitor for a stream whose RTP clock runs at
// sampleRate Hz.
func New(sampleRate uint32, window time.Duration, thresholds Thresholds, log zerolog.Logger) *Monitor {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Monitor{
		log:        log,
		sampleRate: sampleRate,
		window:     window,
		bw:         NewBandwidthEstimator(initialBandwidthEstimateBps),
		trend:      &trendDetector{},
		thresholds: thresholds,
	}
}

// Subscribe registers cb to be called whenever a sample crosses a
// configured threshold.
func (m *Monitor) Subscribe(cb Callback) {
	m.callbacks = append(m.callbacks, cb)
}

// OnArrival records one received RTP packet: its extended sequence number
// (computed by the caller from the stream's CryptoSession), its RTP
// timestamp, and the wall-clock arrival time.
func (m *Monitor) OnArrival(extSeq uint64, timestamp uint32, arrival time.Time) {
	if !m.haveBase {
		m.haveBase = true
		m.baseExtSeq = extSeq
		m.highestSeen = extSeq
	} else if extSeq > m.highestSeen {
		m.highestSeen = extSeq
	}
	m.receivedPkts++

	if m.haveLast && m.sampleRate > 0 {
		arrivalDeltaTicks := arrival.Sub(m.lastArrival).Seconds() * float64(m.sampleRate)
		tsDelta := float64(int64(timestamp) - int64(m.lastTimestamp))
		d := arrivalDeltaTicks - tsDelta
		if d < 0 {
			d = -d
		}
		m.jitterTicks += (d - m.jitterTicks) / 16
		m.trend.push(arrivalDeltaTicks)
	}
	m.haveLast = true
	m.lastArrival = arrival
	m.lastTimestamp = timestamp
}

// RecordRTT records a round-trip sample measured via a signaling
// heartbeat or an RTCP SR/RR LSR/DLSR pair.
func (m *Monitor) RecordRTT(d time.Duration) {
	m.lastRTT = d
}

// LossRate returns the loss estimate over every arrival since the first
// one recorded, clamped to [0,1]. It is not limited to the sample window:
// old arrivals are never aged out of the count.
func (m *Monitor) LossRate() float64 {
	if !m.haveBase {
		return 0
	}
	expected := m.highestSeen - m.baseExtSeq + 1
	if expected == 0 {
		return 0
	}
	loss := float64(expected-m.receivedPkts) / float64(expected)
	return clamp01(loss)
}

// JitterMs returns the current interarrival jitter estimate in
// milliseconds.
func (m *Monitor) JitterMs() float64 {
	if m.sampleRate == 0 {
		return 0
	}
	return m.jitterTicks / float64(m.sampleRate) * 1000
}

// RTTMs returns the most recently recorded round-trip time in
// milliseconds.
func (m *Monitor) RTTMs() float64 {
	return float64(m.lastRTT.Microseconds()) / 1000
}

// Sample computes, records, and returns a fresh Sample, firing any
// threshold-crossing subscriptions.
func (m *Monitor) Sample(now time.Time) Sample {
	loss := m.LossRate()
	s := Sample{
		LossRate:             loss,
		JitterMs:             m.JitterMs(),
		RttMs:                m.RTTMs(),
		BandwidthEstimateBps: m.bw.Update(loss, m.trend.value()),
		Timestamp:            now,
	}

	m.ring = append(m.ring, s)
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.ring) && m.ring[i].Timestamp.Before(cutoff) {
		i++
	}
	m.ring = m.ring[i:]

	if m.crossesThreshold(s) {
		for _, cb := range m.callbacks {
			cb(s)
		}
	}
	return s
}

// Snapshot reports the current metrics as a Sample without advancing the
// bandwidth estimator, recording to the ring, or firing subscriptions —
// for callers (e.g. stats reporting) that need a read without side
// effects.
func (m *Monitor) Snapshot() Sample {
	return Sample{
		LossRate:             m.LossRate(),
		JitterMs:             m.JitterMs(),
		RttMs:                m.RTTMs(),
		BandwidthEstimateBps: m.bw.Current(),
	}
}

// Samples returns the current bounded ring of recent samples.
func (m *Monitor) Samples() []Sample {
	out := make([]Sample, len(m.ring))
	copy(out, m.ring)
	return out
}

func (m *Monitor) crossesThreshold(s Sample) bool {
	if m.thresholds.LossRate > 0 && s.LossRate > m.thresholds.LossRate {
		return true
	}
	if m.thresholds.JitterMs > 0 && s.JitterMs > m.thresholds.JitterMs {
		return true
	}
	if m.thresholds.RttMs > 0 && s.RttMs > m.thresholds.RttMs {
		return true
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CalcRTT derives a round-trip time from an RTCP reception report's LSR
// (last sender report, middle 32 bits of the NTP timestamp) and DLSR
// (delay since last SR, in 1/65536s units).
func CalcRTT(now time.Time, lastSenderReportNTP uint32, delaySinceLastSR uint32) (rtt time.Duration, skewed bool) {
	nowNTP := ntpTimestamp(now)
	now32 := uint32(nowNTP >> 16)

	rtt32 := now32 - lastSenderReportNTP - delaySinceLastSR
	skewed = now32-delaySinceLastSR < lastSenderReportNTP

	secs := (rtt32 & 0xFFFF0000) >> 16
	fracs := float64(rtt32&0x0000FFFF) / 65536
	rtt = time.Duration(secs)*time.Second + time.Duration(fracs*float64(time.Second))
	return rtt, skewed
}

const ntpEpochOffset = 2208988800 // seconds between 1900-01-01 and 1970-01-01

func ntpTimestamp(t time.Time) uint64 {
	secs := uint64(t.Unix()+ntpEpochOffset) << 32
	frac := uint64(float64(t.Nanosecond()) / float64(time.Second) * (1 << 32))
	return secs | frac
}

type trendDetector struct {
	deltas [3]float64
	n      int
}

func (t *trendDetector) push(d float64) {
	t.deltas[0], t.deltas[1], t.deltas[2] = t.deltas[1], t.deltas[2], d
	if t.n < 3 {
		t.n++
	}
}

// value returns a positive value if the last three inter-arrival deltas
// were strictly increasing (a delay-trend signal), else 0.
func (t *trendDetector) value() float64 {
	if t.n < 3 {
		return 0
	}
	if t.deltas[0] < t.deltas[1] && t.deltas[1] < t.deltas[2] {
		return t.deltas[2] - t.deltas[0]
	}
	return 0
}

const (
	initialBandwidthEstimateBps = 500_000
	// additiveIncreaseBps is the loss-based estimate's step per Update
	// while loss is at or below 1%.
	additiveIncreaseBps = 50_000
)

// BandwidthEstimator implements spec §4.5's hybrid-with-min rule: the
// smaller of a loss-based estimate (multiplicative decrease above 5%
// loss, additive increase at or below 1% loss) and a delay-based
// estimate (multiplicative decrease on a detected arrival-time trend).
type BandwidthEstimator struct {
	current float64
}

// NewBandwidthEstimator constructs an estimator seeded at initialBps.
func NewBandwidthEstimator(initialBps float64) *BandwidthEstimator {
	return &BandwidthEstimator{current: initialBps}
}

// Update folds in the latest loss rate and delay trend, returning the new
// estimate.
func (e *BandwidthEstimator) Update(lossRate float64, delayTrend float64) float64 {
	lossBased := e.current
	switch {
	case lossRate > 0.05:
		lossBased = e.current * 0.85
	case lossRate <= 0.01:
		lossBased = e.current + additiveIncreaseBps
	}

	delayBased := e.current
	if delayTrend > 0 {
		delayBased = e.current * 0.9
	}

	e.current = math.Min(lossBased, delayBased)
	return e.current
}

// Current returns the estimator's current value without updating it.
func (e *BandwidthEstimator) Current() float64 { return e.current }
