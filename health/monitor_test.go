package health

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestLossRateNoneMissingIsZero(t *testing.T) {
	m := New(8000, time.Second, Thresholds{}, testLogger())
	base := time.Now()
	for i := uint64(0); i < 10; i++ {
		m.OnArrival(i, uint32(i*160), base.Add(time.Duration(i)*20*time.Millisecond))
	}
	assert.Zero(t, m.LossRate())
}

func TestLossRateCountsMissingExtendedSeqs(t *testing.T) {
	m := New(8000, time.Second, Thresholds{}, testLogger())
	base := time.Now()
	seqs := []uint64{0, 1, 2, 5, 6, 7, 8, 9}
	for i, s := range seqs {
		m.OnArrival(s, uint32(s*160), base.Add(time.Duration(i)*20*time.Millisecond))
	}
	// expected = 9-0+1 = 10, received = 8, loss = 0.2
	require.InDelta(t, 0.2, m.LossRate(), 1e-9)
}

func TestJitterZeroForPerfectlyPacedArrivals(t *testing.T) {
	m := New(8000, time.Second, Thresholds{}, testLogger())
	base := time.Now()
	for i := uint64(0); i < 50; i++ {
		m.OnArrival(i, uint32(i*160), base.Add(time.Duration(i)*20*time.Millisecond))
	}
	assert.InDelta(t, 0, m.JitterMs(), 0.001)
}

func TestJitterGrowsWithIrregularArrivals(t *testing.T) {
	m := New(8000, time.Second, Thresholds{}, testLogger())
	base := time.Now()
	offsets := []time.Duration{0, 20, 35, 55, 60, 100}
	for i, off := range offsets {
		m.OnArrival(uint64(i), uint32(i*160), base.Add(off*time.Millisecond))
	}
	assert.Greater(t, m.JitterMs(), 0.0)
}

func TestRecordRTTReportsMilliseconds(t *testing.T) {
	m := New(8000, time.Second, Thresholds{}, testLogger())
	m.RecordRTT(42 * time.Millisecond)
	assert.InDelta(t, 42, m.RTTMs(), 0.01)
}

func TestSamplePrunesOutsideWindow(t *testing.T) {
	m := New(8000, 100*time.Millisecond, Thresholds{}, testLogger())
	base := time.Now()
	m.Sample(base)
	m.Sample(base.Add(50 * time.Millisecond))
	m.Sample(base.Add(250 * time.Millisecond))
	// Only the last sample should remain; the first two are outside the window.
	assert.Len(t, m.Samples(), 1)
}

func TestSubscribeFiresOnLossThresholdCrossing(t *testing.T) {
	m := New(8000, time.Second, Thresholds{LossRate: 0.1}, testLogger())
	base := time.Now()
	seqs := []uint64{0, 1, 4}
	for i, s := range seqs {
		m.OnArrival(s, uint32(s*160), base.Add(time.Duration(i)*20*time.Millisecond))
	}

	var fired bool
	m.Subscribe(func(s Sample) { fired = true })
	m.Sample(base.Add(100 * time.Millisecond))
	assert.True(t, fired)
}

func TestSubscribeDoesNotFireBelowThreshold(t *testing.T) {
	m := New(8000, time.Second, Thresholds{LossRate: 0.5}, testLogger())
	base := time.Now()
	for i := uint64(0); i < 10; i++ {
		m.OnArrival(i, uint32(i*160), base.Add(time.Duration(i)*20*time.Millisecond))
	}

	var fired bool
	m.Subscribe(func(s Sample) { fired = true })
	m.Sample(base.Add(time.Second))
	assert.False(t, fired)
}

func TestBandwidthEstimatorDecreasesOnHighLoss(t *testing.T) {
	e := NewBandwidthEstimator(1_000_000)
	got := e.Update(0.1, 0)
	assert.InDelta(t, 850_000, got, 1)
}

func TestBandwidthEstimatorIncreasesOnLowLoss(t *testing.T) {
	e := NewBandwidthEstimator(1_000_000)
	got := e.Update(0.0, 0)
	assert.InDelta(t, 1_050_000, got, 1)
}

func TestBandwidthEstimatorTakesMinOfLossAndDelay(t *testing.T) {
	e := NewBandwidthEstimator(1_000_000)
	// Low loss would push up, but a positive delay trend should cap it down.
	got := e.Update(0.0, 5)
	assert.InDelta(t, 900_000, got, 1)
}

func TestTrendDetectorNeedsThreeSamples(t *testing.T) {
	tr := &trendDetector{}
	tr.push(1)
	tr.push(2)
	assert.Zero(t, tr.value())
	tr.push(3)
	assert.Greater(t, tr.value(), 0.0)
}

func TestTrendDetectorZeroOnNonMonotonic(t *testing.T) {
	tr := &trendDetector{}
	tr.push(3)
	tr.push(1)
	tr.push(2)
	assert.Zero(t, tr.value())
}

func TestCalcRTTBasicRoundTrip(t *testing.T) {
	sent := time.Now()
	sentNTP := ntpTimestamp(sent)
	lsr := uint32(sentNTP >> 16)

	delay := 20 * time.Millisecond
	now := sent.Add(50 * time.Millisecond)
	dlsr := uint32(delay.Seconds() * 65536)

	rtt, skewed := CalcRTT(now, lsr, dlsr)
	assert.False(t, skewed)
	assert.InDelta(t, 30*time.Millisecond, rtt, float64(2*time.Millisecond))
}
