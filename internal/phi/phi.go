// Package phi implements the PhiController (spec §4.2): the source of the
// (phase, depth) pair fed into the chromatic field processor every block,
// with equal-power crossfade across source switches.
package phi

import "math"

// SourceKind identifies which Φ-modulation source is active.
type SourceKind int

const (
	SourceManual SourceKind = iota
	SourceAudioEnvelope
	SourceInternalOscillator
	SourceExternalSensor
)

func (k SourceKind) String() string {
	switch k {
	case SourceManual:
		return "manual"
	case SourceAudioEnvelope:
		return "audio"
	case SourceInternalOscillator:
		return "internal"
	case SourceExternalSensor:
		return "sensor"
	default:
		return "unknown"
	}
}

// invPhi is φ⁻¹, the golden ratio conjugate used by the internal oscillator
// rate (§4.2).
const invPhi = 0.6180339887498949

// crossfadeDuration is the fixed 100ms equal-power crossfade window (§4.2).
const crossfadeDuration = 0.1

// source is the per-kind update capability. Every source exposes the same
// update(dt, ctx) -> (phase, depth) contract (§4.2).
type source interface {
	update(dt float64, ctx Context) (phase, depth float64)
}

// Context carries the per-block inputs a source may need: the current input
// block (for the audio envelope follower) and the latest external sensor
// sample.
type Context struct {
	Input      []float32
	SensorSample float64
}

// manualSource returns the latched user-set (phase, depth) unchanged.
type manualSource struct {
	phase, depth float64
}

func (s *manualSource) update(_ float64, _ Context) (float64, float64) {
	return s.phase, s.depth
}

// internalOscillatorSource advances at 2π·rateHz rad/s, defaulting to φ⁻¹ Hz
// (§4.2). rateHz is adjustable via Controller.SetInternalRate.
type internalOscillatorSource struct {
	phase  float64
	rateHz float64
}

func (s *internalOscillatorSource) update(dt float64, _ Context) (float64, float64) {
	s.phase = wrapTau(s.phase + 2*math.Pi*s.rateHz*dt)
	depth := 0.5 + 0.3*math.Sin(s.phase/2)
	return s.phase, clamp01(depth)
}

// audioEnvelopeSource follows the input block's envelope with 20ms attack /
// 100ms release (§4.2).
type audioEnvelopeSource struct {
	phase    float64
	envelope float64
	sampleRate float64
}

func (s *audioEnvelopeSource) update(dt float64, ctx Context) (float64, float64) {
	attackCoeff := timeConstantCoeff(0.020, s.sampleRate)
	releaseCoeff := timeConstantCoeff(0.100, s.sampleRate)
	for _, v := range ctx.Input {
		rectified := math.Abs(float64(v))
		if rectified > s.envelope {
			s.envelope += (rectified - s.envelope) * attackCoeff
		} else {
			s.envelope += (rectified - s.envelope) * releaseCoeff
		}
	}
	depth := clamp01(2 * s.envelope)
	s.phase = wrapTau(s.phase + 2*math.Pi*(1+s.envelope)*dt)
	return s.phase, depth
}

// timeConstantCoeff converts a time constant in seconds to a per-sample
// one-pole smoothing coefficient.
func timeConstantCoeff(tc, sampleRate float64) float64 {
	if tc <= 0 || sampleRate <= 0 {
		return 1
	}
	return 1 - math.Exp(-1/(tc*sampleRate))
}

// externalSensorSource derives depth from the most recent normalised sensor
// sample; phase advances at a rate proportional to that sample (§4.2).
type externalSensorSource struct {
	phase float64
}

func (s *externalSensorSource) update(dt float64, ctx Context) (float64, float64) {
	sample := clamp01(ctx.SensorSample)
	s.phase = wrapTau(s.phase + 2*math.Pi*sample*dt)
	return s.phase, sample
}

// Controller is the PhiController (C2). Not safe for concurrent use; it is
// ticked exclusively by the audio thread (spec §5).
type Controller struct {
	sampleRate float64

	manual   manualSource
	internal internalOscillatorSource
	envelope audioEnvelopeSource
	sensor   externalSensorSource

	active   SourceKind
	previous SourceKind
	hasPrevious bool
	crossfadeElapsed float64
	crossfading bool
}

// New constructs a Controller defaulting to the internal oscillator source.
func New(sampleRate float64) *Controller {
	c := &Controller{
		sampleRate: sampleRate,
		active:     SourceInternalOscillator,
	}
	c.envelope.sampleRate = sampleRate
	c.internal.rateHz = invPhi
	return c
}

// SetInternalRate overrides the internal oscillator's rate in Hz (§6
// set_internal_rate). Non-positive values are ignored.
func (c *Controller) SetInternalRate(hz float64) {
	if hz <= 0 {
		return
	}
	c.internal.rateHz = hz
}

// InternalRate reports the internal oscillator's current rate in Hz.
func (c *Controller) InternalRate() float64 { return c.internal.rateHz }

func (c *Controller) sourceFor(kind SourceKind) source {
	switch kind {
	case SourceManual:
		return &c.manual
	case SourceAudioEnvelope:
		return &c.envelope
	case SourceExternalSensor:
		return &c.sensor
	default:
		return &c.internal
	}
}

// SetManual latches the manual source's (phase, depth). Safe to call whether
// or not manual is currently active.
func (c *Controller) SetManual(phase, depth float64) {
	c.manual.phase = wrapTau(phase)
	c.manual.depth = clamp01(depth)
}

// ManualPhase and ManualDepth return the manual source's currently latched
// values, regardless of whether manual is the active source.
func (c *Controller) ManualPhase() float64 { return c.manual.phase }
func (c *Controller) ManualDepth() float64 { return c.manual.depth }

// SetSource switches the active source. If a crossfade is already in
// progress, it is aborted by snapping alpha to 1 (so the in-flight target
// becomes the new "previous") and a fresh 100ms crossfade starts against it
// (§4.2 edge case).
func (c *Controller) SetSource(kind SourceKind) {
	if kind == c.active && !c.crossfading {
		return
	}
	c.previous = c.active
	c.hasPrevious = true
	c.active = kind
	c.crossfadeElapsed = 0
	c.crossfading = true
}

// ActiveSource reports the currently active source kind.
func (c *Controller) ActiveSource() SourceKind { return c.active }

// ParseSourceKind maps the control API's wire names for a Φ source onto a
// SourceKind. These are the config/API names (matching spec §6's
// set_phi_source parameter), not SourceKind.String()'s shorter log labels.
func ParseSourceKind(name string) (SourceKind, error) {
	switch name {
	case "manual":
		return SourceManual, nil
	case "audio_envelope":
		return SourceAudioEnvelope, nil
	case "internal_oscillator":
		return SourceInternalOscillator, nil
	case "external_sensor":
		return SourceExternalSensor, nil
	default:
		return 0, errUnknownSourceKind(name)
	}
}

type errUnknownSourceKind string

func (e errUnknownSourceKind) Error() string {
	return "phi: unknown source kind " + string(e)
}

// Tick advances every ticking source by dt and returns the (possibly
// crossfaded) output (phase, depth) pair (§4.2 contract).
func (c *Controller) Tick(dt float64, ctx Context) (phase, depth float64) {
	newPhase, newDepth := c.sourceFor(c.active).update(dt, ctx)

	if !c.crossfading || !c.hasPrevious {
		return newPhase, newDepth
	}

	oldPhase, oldDepth := c.sourceFor(c.previous).update(dt, ctx)

	c.crossfadeElapsed += dt
	alpha := clamp01(c.crossfadeElapsed / crossfadeDuration)
	w := 0.5 * (1 - math.Cos(math.Pi*alpha))

	depth = (1-w)*oldDepth + w*newDepth
	phase = blendAngle(oldPhase, newPhase, w)

	if alpha >= 1 {
		c.crossfading = false
		c.hasPrevious = false
	}
	return phase, depth
}

// blendAngle interpolates two angles along the shorter arc, matching the
// equal-power blend for depth while keeping phase continuous across the 2π
// wrap point.
func blendAngle(a, b, w float64) float64 {
	diff := wrapSigned(b - a)
	return wrapTau(a + w*diff)
}

func wrapSigned(v float64) float64 {
	v = wrapTau(v)
	if v > math.Pi {
		v -= 2 * math.Pi
	}
	return v
}

func wrapTau(v float64) float64 {
	const tau = 2 * math.Pi
	v = math.Mod(v, tau)
	if v < 0 {
		v += tau
	}
	return v
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
