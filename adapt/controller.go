// Package adapt implements the AIMD quality controller that maps
// HealthMonitor samples to QualityLevel step up/down/hold decisions
// (spec §4.6).
package adapt

import (
	"time"

	"github.com/arcrtc/core/health"
)

// QualityLevel is one rung of the fixed, closed quality ladder (spec §3).
type QualityLevel int

const (
	Ultra QualityLevel = iota
	High
	Medium
	Low
	VeryLow
)

func (q QualityLevel) String() string {
	switch q {
	case Ultra:
		return "ultra"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	case VeryLow:
		return "very_low"
	default:
		return "unknown"
	}
}

// MediaKind selects which profile table a Controller consults.
type MediaKind int

const (
	Audio MediaKind = iota
	Video
)

// Profile is the (bitrate, resolution, framerate) triple associated with a
// QualityLevel (spec §3: video carries all three, audio only bitrate).
type Profile struct {
	BitrateBps int
	Width      int
	Height     int
	FPS        int
}

var videoProfiles = map[QualityLevel]Profile{
	Ultra:   {BitrateBps: 4_000_000, Width: 1920, Height: 1080, FPS: 30},
	High:    {BitrateBps: 2_500_000, Width: 1280, Height: 720, FPS: 30},
	Medium:  {BitrateBps: 1_200_000, Width: 854, Height: 480, FPS: 24},
	Low:     {BitrateBps: 500_000, Width: 640, Height: 360, FPS: 20},
	VeryLow: {BitrateBps: 150_000, Width: 320, Height: 180, FPS: 15},
}

var audioProfiles = map[QualityLevel]Profile{
	Ultra:   {BitrateBps: 128_000},
	High:    {BitrateBps: 96_000},
	Medium:  {BitrateBps: 64_000},
	Low:     {BitrateBps: 32_000},
	VeryLow: {BitrateBps: 16_000},
}

// ProfileFor returns the fixed profile for level under kind.
func ProfileFor(kind MediaKind, level QualityLevel) Profile {
	if kind == Audio {
		return audioProfiles[level]
	}
	return videoProfiles[level]
}

// Reason names why a QualityAdapt decision was made (spec §6's
// QUALITY_ADAPT.reason enum).
type Reason int

const (
	ReasonBandwidth Reason = iota
	ReasonCPU
	ReasonNetwork
	ReasonKeyframe
)

func (r Reason) String() string {
	switch r {
	case ReasonBandwidth:
		return "bandwidth"
	case ReasonCPU:
		return "cpu"
	case ReasonNetwork:
		return "network"
	case ReasonKeyframe:
		return "keyframe"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one Evaluate call.
type Decision struct {
	Level   QualityLevel
	Changed bool
	Reason  Reason
	Profile Profile
}

const (
	minDwell             = 2 * time.Second
	sustainedGoodWindow  = 5 * time.Second
	emergencyLossRate    = 0.20
	downgradeLossRate    = 0.05
	downgradeRttMs       = 100
	upgradeLossRate      = 0.01
	upgradeRttMs         = 50
	upgradeHeadroomRatio = 1.5
)

// Controller is a single stream's AIMD quality-level state machine. Not
// safe for concurrent use; owned exclusively by its stream's pipeline task
// (spec §5).
type Controller struct {
	kind  MediaKind
	level QualityLevel

	lastChange    time.Time
	goodSince     time.Time
	currentBitrate float64
}

// New constructs a Controller starting at initial for the given media kind.
func New(initial QualityLevel, kind MediaKind) *Controller {
	return &Controller{
		kind:           kind,
		level:          initial,
		currentBitrate: float64(ProfileFor(kind, initial).BitrateBps),
	}
}

// Level reports the controller's current QualityLevel.
func (c *Controller) Level() QualityLevel { return c.level }

// Evaluate applies spec §4.6's decision rule to one health sample, stepping
// the quality level at most once per call. Downgrades take precedence over
// upgrades in the same tick, and an emergency downgrade (loss > 20%)
// overrides the minimum dwell time.
func (c *Controller) Evaluate(now time.Time, sample health.Sample) Decision {
	if sample.LossRate > downgradeLossRate || sample.RttMs > downgradeRttMs {
		c.goodSince = time.Time{}

		emergency := sample.LossRate > emergencyLossRate
		if (emergency || c.dwellElapsed(now)) && c.level < VeryLow {
			return c.stepDown(now)
		}
		return c.hold()
	}

	goodNow := sample.LossRate < upgradeLossRate &&
		sample.RttMs < upgradeRttMs &&
		sample.BandwidthEstimateBps >= upgradeHeadroomRatio*c.currentBitrate

	if !goodNow {
		c.goodSince = time.Time{}
		return c.hold()
	}

	if c.goodSince.IsZero() {
		c.goodSince = now
	}
	if now.Sub(c.goodSince) >= sustainedGoodWindow && c.dwellElapsed(now) && c.level > Ultra {
		return c.stepUp(now)
	}
	return c.hold()
}

// dwellElapsed reports whether minDwell has passed since the last level
// change. A zero lastChange means the controller hasn't changed level since
// construction, so dwell is trivially satisfied.
func (c *Controller) dwellElapsed(now time.Time) bool {
	return c.lastChange.IsZero() || now.Sub(c.lastChange) >= minDwell
}

func (c *Controller) stepDown(now time.Time) Decision {
	c.level++
	c.lastChange = now
	c.currentBitrate = float64(ProfileFor(c.kind, c.level).BitrateBps)
	return Decision{Level: c.level, Changed: true, Reason: ReasonNetwork, Profile: ProfileFor(c.kind, c.level)}
}

func (c *Controller) stepUp(now time.Time) Decision {
	c.level--
	c.lastChange = now
	c.goodSince = time.Time{}
	c.currentBitrate = float64(ProfileFor(c.kind, c.level).BitrateBps)
	return Decision{Level: c.level, Changed: true, Reason: ReasonBandwidth, Profile: ProfileFor(c.kind, c.level)}
}

func (c *Controller) hold() Decision {
	return Decision{Level: c.level, Changed: false, Profile: ProfileFor(c.kind, c.level)}
}

// RequestKeyframe reports a PLC-driven keyframe need as a QualityAdapt
// decision, bypassing the AIMD step logic entirely (spec §4.6).
func (c *Controller) RequestKeyframe() Decision {
	return Decision{Level: c.level, Changed: false, Reason: ReasonKeyframe, Profile: ProfileFor(c.kind, c.level)}
}
