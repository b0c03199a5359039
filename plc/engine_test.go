package plc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudioConcealFadesTowardSilence(t *testing.T) {
	e := New(DefaultConfig(), Audio)
	e.Observe([]byte{228, 228, 228}) // 100 above center (128)

	r1 := e.Conceal(100)
	r2 := e.Conceal(101)
	r3 := e.Conceal(102)

	require.False(t, r1.Degraded)
	require.False(t, r2.Degraded)
	require.False(t, r3.Degraded)

	// Each successive conceal should move closer to the 128 center.
	assert.Less(t, abs(int(r2.Payload[0])-128), abs(int(r1.Payload[0])-128))
	assert.Less(t, abs(int(r3.Payload[0])-128), abs(int(r2.Payload[0])-128))
}

func TestAudioConcealEmitsSilenceAndDegradesPastLimit(t *testing.T) {
	e := New(DefaultConfig(), Audio)
	e.Observe([]byte{200, 200})

	e.Conceal(1)
	e.Conceal(2)
	e.Conceal(3)
	r := e.Conceal(4) // past AudioFadeOutFrames=3

	assert.True(t, r.Degraded)
	for _, b := range r.Payload {
		assert.EqualValues(t, 128, b)
	}
}

func TestVideoConcealFreezesLastFrame(t *testing.T) {
	e := New(DefaultConfig(), Video)
	frame := []byte{1, 2, 3, 4}
	e.Observe(frame)

	r := e.Conceal(10)
	assert.Equal(t, frame, r.Payload)
	assert.False(t, r.NeedsKeyframe)
}

func TestVideoConcealRequestsKeyframePastLimit(t *testing.T) {
	e := New(DefaultConfig(), Video)
	e.Observe([]byte{9, 9})

	for seq := uint64(1); seq <= 5; seq++ {
		r := e.Conceal(seq)
		assert.False(t, r.NeedsKeyframe, "seq %d should not yet need a keyframe", seq)
	}
	r := e.Conceal(6)
	assert.True(t, r.NeedsKeyframe)
}

func TestConcealIsIdempotentForSameSeq(t *testing.T) {
	e := New(DefaultConfig(), Audio)
	e.Observe([]byte{150, 150})

	first := e.Conceal(5)
	second := e.Conceal(5)
	assert.Equal(t, first, second)
	// Idempotent re-reads must not advance the consecutive-conceal count.
	assert.Equal(t, 1, e.ConsecutiveConceals())
}

func TestObserveResetsConsecutiveCount(t *testing.T) {
	e := New(DefaultConfig(), Video)
	e.Observe([]byte{1})
	e.Conceal(1)
	e.Conceal(2)
	assert.Equal(t, 2, e.ConsecutiveConceals())

	e.Observe([]byte{2})
	assert.Equal(t, 0, e.ConsecutiveConceals())
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
