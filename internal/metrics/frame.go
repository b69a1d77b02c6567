// Package metrics defines the immutable per-block telemetry records published
// by the audio pipeline: MetricsFrame (consciousness-proxy measurements) and
// LatencyFrame (latency calibration/compensation snapshots).
package metrics

import "math"

// PhiSource identifies which Φ-modulation source produced a frame's phi values.
type PhiSource string

const (
	PhiSourceManual   PhiSource = "manual"
	PhiSourceAudio    PhiSource = "audio"
	PhiSourceSensor   PhiSource = "sensor"
	PhiSourceInternal PhiSource = "internal"
)

// State is the seven-value consciousness state classification.
type State string

const (
	StateIdle       State = "IDLE"
	StateDeepSleep  State = "DEEP_SLEEP"
	StateDreaming   State = "DREAMING"
	StateREM        State = "REM"
	StateAwake      State = "AWAKE"
	StateCritical   State = "CRITICAL"
	StateTransition State = "TRANSITION"
)

// Frame is an immutable record of everything measured and derived from one
// audio block. It is constructed once by the pipeline and never mutated
// after being handed to the fan-out bus.
type Frame struct {
	TimestampS          float64
	FrameID             uint64
	ICI                 float64
	PhaseCoherence      float64
	SpectralCentroidHz  float64
	Criticality         float64
	ConsciousnessLevel  float64
	PhiPhase            float64
	PhiDepth            float64
	PhiSrc              PhiSource
	LatencyMs           float64
	CPULoad             float64
	State               State
	Valid               bool
}

// classification thresholds, §4.1.
const (
	criticalThreshold     = 0.9
	idleThreshold         = 0.1
	awakeThreshold        = 0.6
	deepSleepConsLimit    = 0.3
	deepSleepCoherence    = 0.7
	dreamingConsLow       = 0.3
	dreamingConsHigh      = 0.5
	dreamingCoherence     = 0.5
	remConsLow            = 0.4
	remConsHigh           = 0.6
	remCriticality        = 0.7
)

// Classify applies the deterministic state decision table from §4.1. It is a
// pure function of the three inputs and never allocates.
func Classify(consciousness, coherence, criticality float64) State {
	switch {
	case criticality > criticalThreshold:
		return StateCritical
	case consciousness < idleThreshold:
		return StateIdle
	case consciousness > awakeThreshold:
		return StateAwake
	case consciousness < deepSleepConsLimit && coherence > deepSleepCoherence:
		return StateDeepSleep
	case consciousness >= dreamingConsLow && consciousness < dreamingConsHigh && coherence < dreamingCoherence:
		return StateDreaming
	case consciousness >= remConsLow && consciousness < remConsHigh && criticality > remCriticality:
		return StateREM
	default:
		return StateTransition
	}
}

// sanitize replaces a non-finite value with 0 and reports whether it had to.
func sanitize(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, true
	}
	return v, false
}

// New constructs a Frame from raw (possibly non-finite) measurements,
// sanitising every numeric field and classifying state per §4.1. valid is
// false iff any input field required sanitisation.
func New(
	timestampS float64,
	frameID uint64,
	ici, phaseCoherence, spectralCentroidHz, criticality, consciousnessLevel float64,
	phiPhase, phiDepth float64,
	phiSrc PhiSource,
	latencyMs, cpuLoad float64,
) Frame {
	f := Frame{FrameID: frameID, PhiSrc: phiSrc}
	allFinite := true
	var dirty bool

	// Clamping below turns ±Inf into a bound before sanitize sees it, so
	// non-finite inputs are detected on the raw values.
	for _, v := range [...]float64{timestampS, ici, phaseCoherence, spectralCentroidHz, criticality,
		consciousnessLevel, phiPhase, phiDepth, latencyMs, cpuLoad} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			allFinite = false
		}
	}

	f.TimestampS, dirty = sanitize(timestampS)
	allFinite = allFinite && !dirty
	f.ICI, dirty = sanitize(clamp01(ici))
	allFinite = allFinite && !dirty
	f.PhaseCoherence, dirty = sanitize(clamp01(phaseCoherence))
	allFinite = allFinite && !dirty
	f.SpectralCentroidHz, dirty = sanitize(math.Max(0, spectralCentroidHz))
	allFinite = allFinite && !dirty
	f.Criticality, dirty = sanitize(clamp(criticality, 0, 1.5))
	allFinite = allFinite && !dirty
	f.ConsciousnessLevel, dirty = sanitize(clamp01(consciousnessLevel))
	allFinite = allFinite && !dirty
	f.PhiPhase, dirty = sanitize(wrapTau(phiPhase))
	allFinite = allFinite && !dirty
	f.PhiDepth, dirty = sanitize(clamp01(phiDepth))
	allFinite = allFinite && !dirty
	f.LatencyMs, dirty = sanitize(latencyMs)
	allFinite = allFinite && !dirty
	f.CPULoad, dirty = sanitize(clamp01(cpuLoad))
	allFinite = allFinite && !dirty

	f.Valid = allFinite
	f.State = Classify(f.ConsciousnessLevel, f.PhaseCoherence, f.Criticality)
	return f
}

// Idle returns the synthetic heartbeat frame the bus publishes when the
// producer has been silent for >= 1s (§4.5 invariant 5).
func Idle(timestampS float64, frameID uint64) Frame {
	return Frame{
		TimestampS: timestampS,
		FrameID:    frameID,
		PhiSrc:     PhiSourceInternal,
		State:      StateIdle,
		Valid:      true,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

func wrapTau(v float64) float64 {
	const tau = 2 * math.Pi
	v = math.Mod(v, tau)
	if v < 0 {
		v += tau
	}
	return v
}

// LatencyFrame is a per-block calibration/compensation snapshot, §3.
type LatencyFrame struct {
	TimestampS            float64
	HwInputMs             float64
	HwOutputMs            float64
	EngineMs              float64
	OSMs                  float64
	TotalMeasuredMs       float64
	CompensationOffsetMs  float64
	EffectiveMs           float64
	DriftMs               float64
	DriftRateMsPerS       float64
	Calibrated            bool
	CalibrationQuality    float64
	SampleRate            int
	BufferSize            int
}

// NewLatencyFrame computes EffectiveMs from the other fields and clamps
// CalibrationQuality to [0,1].
func NewLatencyFrame(
	timestampS float64,
	hwIn, hwOut, engine, os float64,
	totalMeasured, compensationOffset float64,
	drift, driftRate float64,
	calibrated bool,
	quality float64,
	sampleRate, bufferSize int,
) LatencyFrame {
	effective := totalMeasured - compensationOffset
	return LatencyFrame{
		TimestampS:           timestampS,
		HwInputMs:            hwIn,
		HwOutputMs:           hwOut,
		EngineMs:             engine,
		OSMs:                 os,
		TotalMeasuredMs:      totalMeasured,
		CompensationOffsetMs: compensationOffset,
		EffectiveMs:          effective,
		DriftMs:              drift,
		DriftRateMsPerS:      driftRate,
		Calibrated:           calibrated,
		CalibrationQuality:   clamp01(quality),
		SampleRate:           sampleRate,
		BufferSize:           bufferSize,
	}
}

// IsAligned reports whether |EffectiveMs| is within tolerance (§4.4,
// default 5ms via DefaultAlignmentToleranceMs).
func (l LatencyFrame) IsAligned(toleranceMs float64) bool {
	return math.Abs(l.EffectiveMs) <= toleranceMs
}

// DefaultAlignmentToleranceMs is the default tolerance passed to IsAligned
// when the caller has not configured one (§4.4).
const DefaultAlignmentToleranceMs = 5.0
