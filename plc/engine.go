// Package plc synthesizes substitute payloads when a stream's JitterBuffer
// reports a Gap (spec §4.4): linear fade-out for audio, frame-freeze with
// keyframe escalation for video.
package plc

// Kind distinguishes the two concealment strategies.
type Kind int

const (
	Audio Kind = iota
	Video
)

// Config holds the tunables from spec §6 ("plc" options).
type Config struct {
	Enabled bool
	// MaxConcealPackets is the video consecutive-conceal limit before
	// needs_keyframe is set (default 5).
	MaxConcealPackets int
	// AudioFadeOutFrames is the audio consecutive-conceal limit before
	// emitting silence and marking the stream degraded (default 3).
	AudioFadeOutFrames int
}

// DefaultConfig returns the defaults named in spec §6.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		MaxConcealPackets:  5,
		AudioFadeOutFrames: 3,
	}
}

// Result is the synthesized substitute for one concealed sequence.
type Result struct {
	Seq           uint64
	Payload       []byte
	Degraded      bool
	NeedsKeyframe bool
}

// Engine conceals gaps for a single stream. Not safe for concurrent use;
// owned exclusively by its stream's pipeline task (spec §5).
type Engine struct {
	cfg  Config
	kind Kind

	lastFrame   []byte
	consecutive int

	// cache makes conceal(seq) idempotent within a run (spec §4.4).
	cache map[uint64]Result
}

// New constructs an Engine for a stream of the given kind.
func New(cfg Config, kind Kind) *Engine {
	return &Engine{
		cfg:   cfg,
		kind:  kind,
		cache: make(map[uint64]Result),
	}
}

// Observe records a successfully decoded frame, resetting the consecutive
// conceal count. Call this for every Delivered packet from the JitterBuffer.
func (e *Engine) Observe(payload []byte) {
	e.lastFrame = append(e.lastFrame[:0], payload...)
	e.consecutive = 0
}

// Conceal synthesizes (or returns the cached) substitute payload for seq,
// the sequence number reported by the JitterBuffer as a Gap.
func (e *Engine) Conceal(seq uint64) Result {
	if r, ok := e.cache[seq]; ok {
		return r
	}

	e.consecutive++

	var r Result
	switch e.kind {
	case Audio:
		r = e.concealAudio(seq)
	case Video:
		r = e.concealVideo(seq)
	}

	e.cache[seq] = r
	return r
}

func (e *Engine) concealAudio(seq uint64) Result {
	if e.consecutive > e.cfg.AudioFadeOutFrames {
		silence := make([]byte, len(e.lastFrame))
		for i := range silence {
			silence[i] = 128
		}
		return Result{
			Seq:      seq,
			Payload:  silence,
			Degraded: true,
		}
	}

	// Linear amplitude fade: scale each sample byte toward silence (128,
	// the 8-bit-centered zero point) as consecutive conceals accumulate.
	faded := make([]byte, len(e.lastFrame))
	steps := e.cfg.AudioFadeOutFrames + 1
	remaining := steps - e.consecutive
	for i, b := range e.lastFrame {
		delta := int(b) - 128
		faded[i] = byte(128 + delta*remaining/steps)
	}

	return Result{Seq: seq, Payload: faded}
}

func (e *Engine) concealVideo(seq uint64) Result {
	r := Result{
		Seq:     seq,
		Payload: append([]byte{}, e.lastFrame...),
	}
	if e.consecutive > e.cfg.MaxConcealPackets {
		r.NeedsKeyframe = true
	}
	return r
}

// ConsecutiveConceals reports the current run length of concealed packets.
func (e *Engine) ConsecutiveConceals() int { return e.consecutive }
