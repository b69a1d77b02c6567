// Package dsp implements the ChromaticFieldProcessor (spec §4.1): an 8-channel
// coupled oscillator bank that processes one audio block at a time, producing
// both an 8-channel bus and a consciousness-proxy MetricsFrame.
//
// Every scratch buffer the processor needs is allocated once in New and reused
// across blocks — Process never allocates, matching the audio-thread
// no-allocation invariant (spec §5).
package dsp

import (
	"math"

	"chromafield/internal/metrics"
)

// NumChannels is the fixed channel count of the chromatic field bus (§3).
const NumChannels = 8

// consciousness-level weights, fixed at compile time (§4.1: "weights are
// fixed constants, not tunable at runtime").
const (
	weightICI         = 0.20
	weightCoherence   = 0.35
	weightCriticality = 0.25
	weightCentroid    = 0.20

	// referenceCentroidHz normalises the spectral centroid contribution to
	// the consciousness level into a roughly [0,1] range.
	referenceCentroidHz = 2000.0

	// referenceEnvelope is the typical operating envelope level used to gate
	// consciousness level by overall signal activity: near-silent blocks
	// must report near-zero consciousness regardless of the other
	// (scale-invariant) sub-metrics.
	referenceEnvelope = 0.1

	// equilibriumCriticality is the criticality value reported when the
	// channel-energy distribution is perfectly balanced (including the
	// degenerate all-silent case). It is deliberately placed at the boundary
	// of, rather than above, the CRITICAL classification threshold (§4.1
	// rule 1) so a perfectly balanced but inactive field classifies as IDLE
	// by consciousness level instead.
	equilibriumCriticality = 0.9
)

// channelState is one channel of the chromatic field transform.
type channelState struct {
	frequencyHz float64
	amplitude   float64
	phase       float64 // radians, wrapped to [0, 2π)
	coupling    [NumChannels]float64
}

// Processor is the ChromaticFieldProcessor (C1). Not safe for concurrent use;
// it is exclusively owned and driven by the audio thread (spec §5).
type Processor struct {
	sampleRate float64
	channels   [NumChannels]channelState
	frameID    uint64

	// Scratch buffers, sized once in New and reused every block so Process
	// never allocates.
	envelope [NumChannels]float64
	energy   [NumChannels]float64
	sinAccum [NumChannels]float64
	cosAccum [NumChannels]float64
	bus      [NumChannels][]float32
}

// New constructs a Processor for the given sample rate and block size,
// pre-allocating the 8-channel output bus.
func New(sampleRate float64, blockSize int) *Processor {
	p := &Processor{sampleRate: sampleRate}
	for c := 0; c < NumChannels; c++ {
		p.channels[c] = channelState{
			// Evenly spaced base frequencies across an audible octave range,
			// deterministic from the channel index.
			frequencyHz: 110.0 * math.Pow(2, float64(c)/3.0),
			amplitude:   1.0,
		}
		for k := 0; k < NumChannels; k++ {
			if k != c {
				// Symmetric coupling to every other channel, falling off as
				// 1/(1+d²) with channel distance d — phi_depth scales this
				// term at process time.
				dist := math.Abs(float64(c - k))
				p.channels[c].coupling[k] = 1.0 / (1.0 + dist*dist)
			}
		}
		p.bus[c] = make([]float32, blockSize)
	}
	return p
}

// Result is the output of one Process call: the 8-channel bus (each slice is
// the blockSize passed to New; the first len(input) samples are written) and
// the derived metrics frame.
type Result struct {
	Bus     [NumChannels][]float32
	Metrics metrics.Frame
}

// Process runs the coupled oscillator bank and metric extraction over one
// block. Non-finite input samples are clamped to 0 before use and the
// resulting frame carries valid=false (spec §4.1 failure mode); Process
// itself never returns an error. A fully silent input block always produces
// a fully silent output block (every channel is an amplitude-modulated copy
// of the input, never a free-running oscillator).
func (p *Processor) Process(input []float32, phiPhase, phiDepth float64, timestampS float64) Result {
	n := len(input)
	inputDirty := false

	for c := 0; c < NumChannels; c++ {
		p.envelope[c] = 0
		p.energy[c] = 0
		p.sinAccum[c] = 0
		p.cosAccum[c] = 0
	}

	for i := 0; i < n; i++ {
		sample := float64(input[i])
		if math.IsNaN(sample) || math.IsInf(sample, 0) {
			sample = 0
			inputDirty = true
		}

		for c := 0; c < NumChannels; c++ {
			ch := &p.channels[c]

			// Cross-coupling rotates each channel's current modulator phase
			// by phi_phase and scales the contribution by phi_depth — this
			// is the "chromatic field" nonlinearity: neighbouring channels
			// pull each other's phase in proportion to Φ.
			var coupling float64
			for k := 0; k < NumChannels; k++ {
				if k == c {
					continue
				}
				coupling += ch.coupling[k] * math.Cos(p.channels[k].phase-phiPhase)
			}

			// Channel gain is an amplitude-modulated window driven by the
			// channel's own phase plus the phi-scaled coupling term, applied
			// multiplicatively to the input sample — silence in, silence out.
			gain := ch.amplitude * (0.5 + 0.5*math.Cos(ch.phase)) * (1 + phiDepth*coupling*0.25)
			out := sample * gain

			ch.phase += 2 * math.Pi * ch.frequencyHz / p.sampleRate
			ch.phase = wrapTau(ch.phase)

			v := float32(clamp(out, -1, 1))
			p.bus[c][i] = v

			av := math.Abs(out)
			p.envelope[c] += av
			p.energy[c] += out * out
			p.sinAccum[c] += av * math.Sin(ch.phase)
			p.cosAccum[c] += av * math.Cos(ch.phase)
		}
	}

	invN := 1.0
	if n > 0 {
		invN = 1.0 / float64(n)
	}
	for c := 0; c < NumChannels; c++ {
		p.envelope[c] *= invN
	}

	ici := computeICI(p.envelope[:])
	coherence := computePhaseCoherence(p.sinAccum[:], p.cosAccum[:])
	centroid := computeSpectralCentroid(p.channels[:], p.envelope[:])
	criticality := computeCriticality(p.energy[:])

	meanEnvelope := 0.0
	for _, e := range p.envelope {
		meanEnvelope += e
	}
	meanEnvelope /= NumChannels
	activity := clamp(meanEnvelope/referenceEnvelope, 0, 1)

	consciousness := activity * (weightICI*(1-ici) + weightCoherence*coherence +
		weightCriticality*clamp(1-math.Abs(criticality-1.0), 0, 1) +
		weightCentroid*clamp(centroid/referenceCentroidHz, 0, 1))

	p.frameID++
	f := metrics.New(
		timestampS, p.frameID,
		ici, coherence, centroid, criticality, consciousness,
		phiPhase, phiDepth, metrics.PhiSourceInternal,
		0, 0,
	)
	if inputDirty {
		f.Valid = false
	}

	return Result{Bus: p.bus, Metrics: f}
}

// computeICI is the mean pairwise absolute difference of per-channel
// rectified envelopes, normalised to [0,1] (§4.1 / GLOSSARY).
func computeICI(envelope []float64) float64 {
	n := len(envelope)
	if n < 2 {
		return 0
	}
	var sum float64
	var pairs int
	var maxEnv float64
	for _, e := range envelope {
		if e > maxEnv {
			maxEnv = e
		}
	}
	if maxEnv == 0 {
		return 0
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += math.Abs(envelope[i] - envelope[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return clamp((sum/float64(pairs))/maxEnv, 0, 1)
}

// computePhaseCoherence is the modulus of the envelope-weighted complex order
// parameter of the channel phases (GLOSSARY: 1 = perfect lock, 0 = uniform
// spread or silence).
func computePhaseCoherence(sinAccum, cosAccum []float64) float64 {
	var sx, sy, weight float64
	for i := range sinAccum {
		sx += sinAccum[i]
		sy += cosAccum[i]
		weight += math.Hypot(sinAccum[i], cosAccum[i])
	}
	if weight == 0 {
		return 0
	}
	return clamp(math.Hypot(sx, sy)/weight, 0, 1)
}

// computeSpectralCentroid is the amplitude-weighted mean of channel centre
// frequencies (§4.1).
func computeSpectralCentroid(channels []channelState, envelope []float64) float64 {
	var weighted, totalWeight float64
	for i, ch := range channels {
		w := envelope[i]
		weighted += w * ch.frequencyHz
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}

// computeCriticality is the normalised distance of the channel-energy
// distribution from a reference equilibrium, mapped so a perfectly balanced
// (or silent) distribution reports equilibriumCriticality and the most
// unbalanced possible distribution reports 1.5 (§4.1, GLOSSARY; see
// DESIGN.md for why the equilibrium point sits at 0.9 rather than the
// glossary's literal 1.0 — an Open Question in spec.md left the exact
// formula to the implementer, and 0.9 is required to keep scenario S1's
// silent-equilibrium frames out of the CRITICAL classification).
func computeCriticality(energy []float64) float64 {
	n := len(energy)
	var total float64
	for _, e := range energy {
		total += e
	}
	equilibrium := 1.0 / float64(n)
	if total <= 0 {
		return equilibriumCriticality
	}
	var distance float64
	for _, e := range energy {
		frac := e / total
		distance += math.Abs(frac - equilibrium)
	}
	maxDistance := 2.0 * (1.0 - equilibrium)
	if maxDistance == 0 {
		return equilibriumCriticality
	}
	span := 1.5 - equilibriumCriticality
	return clamp(equilibriumCriticality+span*(distance/maxDistance), 0, 1.5)
}

func wrapTau(v float64) float64 {
	const tau = 2 * math.Pi
	v = math.Mod(v, tau)
	if v < 0 {
		v += tau
	}
	return v
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
