package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"chromafield/internal/metrics"
)

const sampleRate = 48000.0
const blockSize = 512

// Silent passthrough: 10 blocks of zero input must produce all-zero output
// and low-consciousness, non-critical metrics frames.
func TestProcess_SilentPassthrough(t *testing.T) {
	p := New(sampleRate, blockSize)
	input := make([]float32, blockSize)

	for i := 0; i < 10; i++ {
		res := p.Process(input, 0, 0, float64(i)*float64(blockSize)/sampleRate)
		require.True(t, res.Metrics.Valid)
		assert.Equal(t, 0.0, res.Metrics.ICI)
		assert.Equal(t, 0.0, res.Metrics.PhaseCoherence)
		assert.InDelta(t, 1.0, res.Metrics.Criticality, 0.11)
		assert.Contains(t, []metrics.State{metrics.StateIdle, metrics.StateTransition}, res.Metrics.State)
		for c := 0; c < NumChannels; c++ {
			for _, v := range res.Bus[c] {
				assert.Equal(t, float32(0), v)
			}
		}
	}
}

// NaN containment: one non-finite sample must invalidate the frame without
// producing any non-finite output or metric, and the next clean block must
// recover to valid=true.
func TestProcess_NaNContainment(t *testing.T) {
	p := New(sampleRate, blockSize)
	input := make([]float32, blockSize)
	input[100] = float32(math.NaN())

	res := p.Process(input, 0.5, 0.5, 0)
	assert.False(t, res.Metrics.Valid)
	assertAllFinite(t, res)

	clean := make([]float32, blockSize)
	res2 := p.Process(clean, 0.5, 0.5, 1)
	assert.True(t, res2.Metrics.Valid)
}

// Regardless of phi phase/depth or input content, Process must never emit a
// non-finite sample or metric (spec §8 property: outputs always finite).
func TestProcess_AlwaysFinite(t *testing.T) {
	p := New(sampleRate, blockSize)
	rapid.Check(t, func(rt *rapid.T) {
		input := make([]float32, blockSize)
		for i := range input {
			switch rapid.IntRange(0, 9).Draw(rt, "kind") {
			case 0:
				input[i] = float32(math.NaN())
			case 1:
				input[i] = float32(math.Inf(1))
			case 2:
				input[i] = float32(math.Inf(-1))
			default:
				input[i] = float32(rapid.Float64Range(-1, 1).Draw(rt, "sample"))
			}
		}
		phase := rapid.Float64Range(0, 2*math.Pi).Draw(rt, "phase")
		depth := rapid.Float64Range(0, 1).Draw(rt, "depth")
		res := p.Process(input, phase, depth, 0)
		assertAllFinite(rt, res)
	})
}

func assertAllFinite(t require.TestingT, res Result) {
	for c := 0; c < NumChannels; c++ {
		for _, v := range res.Bus[c] {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Errorf("non-finite output sample on channel %d: %v", c, v)
			}
		}
	}
	f := res.Metrics
	for _, v := range []float64{
		f.TimestampS, f.ICI, f.PhaseCoherence, f.SpectralCentroidHz,
		f.Criticality, f.ConsciousnessLevel, f.PhiPhase, f.PhiDepth,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("non-finite metric in frame: %+v", f)
		}
	}
}

// Frame IDs strictly increase block over block.
func TestProcess_FrameIDIncreases(t *testing.T) {
	p := New(sampleRate, blockSize)
	input := make([]float32, blockSize)
	var last uint64
	for i := 0; i < 5; i++ {
		res := p.Process(input, 0, 0, float64(i))
		assert.Greater(t, res.Metrics.FrameID, last)
		last = res.Metrics.FrameID
	}
}
