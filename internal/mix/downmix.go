// Package mix implements the Downmixer (spec §4.3): reduction of the 8
// chromatic field channels down to the output channel count, by one of four
// weighting strategies.
package mix

import "math"

// NumChannels is the fixed input channel count (§3, matches dsp.NumChannels).
const NumChannels = 8

// Strategy selects a downmix weighting scheme.
type Strategy int

const (
	StrategyLinear Strategy = iota
	StrategyEnergy
	StrategySpatial
	StrategyPhi
)

// ParseStrategy maps the control API's wire name for a downmix strategy
// (spec §6 set_downmix_strategy) onto a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "linear":
		return StrategyLinear, nil
	case "energy":
		return StrategyEnergy, nil
	case "spatial":
		return StrategySpatial, nil
	case "phi":
		return StrategyPhi, nil
	default:
		return 0, errUnknownStrategy(name)
	}
}

type errUnknownStrategy string

func (e errUnknownStrategy) Error() string {
	return "mix: unknown downmix strategy " + string(e)
}

// Downmixer reduces the 8-channel bus to 1 or 2 output channels per block.
// Every output buffer is pre-allocated once in New so that Mix, called every
// block from the audio thread, never allocates (mirrors dsp.Processor's
// scratch-buffer pattern).
type Downmixer struct {
	mono  []float32
	left  []float32
	right []float32

	monoOut   [][]float32
	stereoOut [][]float32
}

// New constructs a Downmixer whose internal buffers are sized to blockSize.
func New(blockSize int) *Downmixer {
	d := &Downmixer{
		mono:  make([]float32, blockSize),
		left:  make([]float32, blockSize),
		right: make([]float32, blockSize),
	}
	d.monoOut = [][]float32{d.mono}
	d.stereoOut = [][]float32{d.left, d.right}
	return d
}

// Mix reduces the 8-channel bus, scaled per strategy, writing into buffers
// owned by d and returning them sliced to the block's length. The returned
// slices are only valid until the next call to Mix. An unrecognised
// strategy silently falls back to linear — Mix never errors (§4.3
// "Failure").
func (d *Downmixer) Mix(bus [NumChannels][]float32, strategy Strategy, phiPhase, phiDepth float64) [][]float32 {
	switch strategy {
	case StrategyLinear:
		return d.mixLinear(bus)
	case StrategyEnergy:
		return d.mixEnergy(bus)
	case StrategySpatial:
		return d.mixSpatial(bus)
	case StrategyPhi:
		return d.mixPhi(bus, phiPhase, phiDepth)
	default:
		return d.mixLinear(bus)
	}
}

func blockLen(bus [NumChannels][]float32) int {
	for _, ch := range bus {
		if ch != nil {
			return len(ch)
		}
	}
	return 0
}

func (d *Downmixer) mixLinear(bus [NumChannels][]float32) [][]float32 {
	n := blockLen(bus)
	out := d.mono[:n]
	const scale = 1.0 / 2.8284271247461903 // 1/sqrt(8)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < NumChannels; c++ {
			sum += bus[c][i]
		}
		out[i] = sum * scale
	}
	d.monoOut[0] = out
	return d.monoOut
}

func (d *Downmixer) mixEnergy(bus [NumChannels][]float32) [][]float32 {
	n := blockLen(bus)
	out := d.mono[:n]

	var rms [NumChannels]float64
	for c := 0; c < NumChannels; c++ {
		var sumSq float64
		for _, v := range bus[c] {
			sumSq += float64(v) * float64(v)
		}
		if n > 0 {
			rms[c] = math.Sqrt(sumSq / float64(n))
		}
	}
	var total float64
	for _, r := range rms {
		total += r
	}
	var weights [NumChannels]float64
	if total > 0 {
		for c := range weights {
			weights[c] = rms[c] / total
		}
	} else {
		for c := range weights {
			weights[c] = 1.0 / NumChannels
		}
	}

	for i := 0; i < n; i++ {
		var sum float64
		for c := 0; c < NumChannels; c++ {
			sum += weights[c] * float64(bus[c][i])
		}
		out[i] = float32(sum)
	}
	d.monoOut[0] = out
	return d.monoOut
}

func (d *Downmixer) mixSpatial(bus [NumChannels][]float32) [][]float32 {
	n := blockLen(bus)
	left := d.left[:n]
	right := d.right[:n]
	for i := 0; i < n; i++ {
		var l, r float32
		for c := 0; c < 4; c++ {
			l += bus[c][i]
		}
		for c := 4; c < NumChannels; c++ {
			r += bus[c][i]
		}
		left[i] = l / 4
		right[i] = r / 4
	}
	d.stereoOut[0] = left
	d.stereoOut[1] = right
	return d.stereoOut
}

func (d *Downmixer) mixPhi(bus [NumChannels][]float32, phiPhase, phiDepth float64) [][]float32 {
	n := blockLen(bus)
	out := d.mono[:n]

	var weights [NumChannels]float64
	var total float64
	for k := 0; k < NumChannels; k++ {
		w := 1 + phiDepth*math.Cos(phiPhase+2*math.Pi*float64(k)/NumChannels)
		weights[k] = w
		total += w
	}
	if total == 0 {
		total = NumChannels
	}
	for i := 0; i < n; i++ {
		var sum float64
		for c := 0; c < NumChannels; c++ {
			sum += (weights[c] / total) * float64(bus[c][i])
		}
		out[i] = float32(sum)
	}
	d.monoOut[0] = out
	return d.monoOut
}
