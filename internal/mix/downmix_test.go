package mix

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func makeBus(fill func(c int, i int) float32, n int) [NumChannels][]float32 {
	var bus [NumChannels][]float32
	for c := 0; c < NumChannels; c++ {
		bus[c] = make([]float32, n)
		for i := 0; i < n; i++ {
			bus[c][i] = fill(c, i)
		}
	}
	return bus
}

func TestMixLinear_EqualWeightScaledBySqrt8(t *testing.T) {
	bus := makeBus(func(c, i int) float32 { return 1.0 }, 4)
	out := New(4).Mix(bus, StrategyLinear, 0, 0)
	require := assert.New(t)
	require.Len(out, 1)
	expected := float32(8.0 / math.Sqrt(8))
	for _, v := range out[0] {
		require.InDelta(expected, v, 1e-5)
	}
}

func TestMixEnergy_WeightsProportionalToRMS(t *testing.T) {
	bus := makeBus(func(c, i int) float32 {
		if c == 0 {
			return 1.0
		}
		return 0
	}, 4)
	out := New(4).Mix(bus, StrategyEnergy, 0, 0)
	assert.Len(t, out, 1)
	for _, v := range out[0] {
		assert.InDelta(t, 1.0, v, 1e-5)
	}
}

func TestMixSpatial_SplitsLowHighChannels(t *testing.T) {
	bus := makeBus(func(c, i int) float32 {
		if c < 4 {
			return 1.0
		}
		return -1.0
	}, 4)
	out := New(4).Mix(bus, StrategySpatial, 0, 0)
	assert.Len(t, out, 2)
	for _, v := range out[0] {
		assert.InDelta(t, 1.0, v, 1e-5)
	}
	for _, v := range out[1] {
		assert.InDelta(t, -1.0, v, 1e-5)
	}
}

func TestMixPhi_WeightsSumToUnity(t *testing.T) {
	bus := makeBus(func(c, i int) float32 { return 1.0 }, 4)
	out := New(4).Mix(bus, StrategyPhi, 1.2, 0.7)
	assert.Len(t, out, 1)
	// With a uniform 1.0 input on every channel, the normalised phi weights
	// must sum to 1 regardless of phase/depth, so output stays at 1.0.
	for _, v := range out[0] {
		assert.InDelta(t, 1.0, v, 1e-4)
	}
}

func TestMix_UnknownStrategyFallsBackToLinear(t *testing.T) {
	bus := makeBus(func(c, i int) float32 { return 1.0 }, 4)
	out := New(4).Mix(bus, Strategy(999), 0, 0)
	expected := New(4).Mix(bus, StrategyLinear, 0, 0)
	assert.Equal(t, expected, out)
}

func TestMix_NeverPanicsOnEmptyBlock(t *testing.T) {
	var bus [NumChannels][]float32
	for c := range bus {
		bus[c] = []float32{}
	}
	d := New(0)
	for _, s := range []Strategy{StrategyLinear, StrategyEnergy, StrategySpatial, StrategyPhi} {
		assert.NotPanics(t, func() {
			d.Mix(bus, s, 0, 0)
		})
	}
}

func TestMix_ReusesBuffersAcrossCalls(t *testing.T) {
	bus := makeBus(func(c, i int) float32 { return 1.0 }, 4)
	d := New(4)
	out1 := d.Mix(bus, StrategyLinear, 0, 0)
	out2 := d.Mix(bus, StrategyLinear, 0, 0)
	assert.Same(t, &out1[0][0], &out2[0][0])
}
