package metrics

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestClassify_DecisionTable(t *testing.T) {
	cases := []struct {
		name                               string
		consciousness, coherence, critical float64
		want                               State
	}{
		{"critical wins first", 0.9, 0.9, 0.95, StateCritical},
		{"idle", 0.05, 0.1, 0.5, StateIdle},
		{"awake", 0.8, 0.1, 0.5, StateAwake},
		{"deep sleep", 0.2, 0.8, 0.5, StateDeepSleep},
		{"dreaming", 0.4, 0.2, 0.5, StateDreaming},
		{"rem", 0.5, 0.2, 0.8, StateREM},
		{"transition fallback", 0.55, 0.6, 0.5, StateTransition},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Classify(c.consciousness, c.coherence, c.critical))
		})
	}
}

func TestNew_SanitizesNonFinite(t *testing.T) {
	f := New(1.0, 42, math.NaN(), 0.5, 100, 1.0, 0.5, 0.1, 0.5, PhiSourceManual, math.Inf(1), 0.1)
	require.False(t, f.Valid)
	assert.Equal(t, 0.0, f.ICI)
	assert.True(t, math.IsInf(f.LatencyMs, 0) == false)
	assert.Equal(t, 0.0, f.LatencyMs)
}

func TestNew_AllFiniteIsValid(t *testing.T) {
	f := New(1.0, 1, 0.2, 0.3, 400, 1.0, 0.4, 1.0, 0.5, PhiSourceInternal, 5, 0.2)
	assert.True(t, f.Valid)
}

// Every numeric field of a constructed Frame is finite, regardless of how
// pathological the inputs are — spec §8 property.
func TestFrame_AlwaysFinite(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		pick := func(label string) float64 {
			switch rapid.IntRange(0, 3).Draw(rt, label+"_kind") {
			case 0:
				return math.NaN()
			case 1:
				return math.Inf(rapid.IntRange(0, 1).Draw(rt, label+"_sign")*2 - 1)
			default:
				return rapid.Float64Range(-1e6, 1e6).Draw(rt, label+"_val")
			}
		}
		f := New(
			pick("ts"), rapid.Uint64().Draw(rt, "id"),
			pick("ici"), pick("coh"), pick("centroid"), pick("crit"), pick("cons"),
			pick("phase"), pick("depth"), PhiSourceManual,
			pick("lat"), pick("cpu"),
		)
		for _, v := range []float64{
			f.TimestampS, f.ICI, f.PhaseCoherence, f.SpectralCentroidHz,
			f.Criticality, f.ConsciousnessLevel, f.PhiPhase, f.PhiDepth,
			f.LatencyMs, f.CPULoad,
		} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				rt.Fatalf("non-finite field in frame: %v", f)
			}
		}
		assert.Equal(rt, Classify(f.ConsciousnessLevel, f.PhaseCoherence, f.Criticality), f.State)
	})
}

func TestFrame_JSONRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := New(
			rapid.Float64Range(0, 1e5).Draw(rt, "ts"),
			rapid.Uint64().Draw(rt, "id"),
			rapid.Float64Range(0, 1).Draw(rt, "ici"),
			rapid.Float64Range(0, 1).Draw(rt, "coh"),
			rapid.Float64Range(0, 2e4).Draw(rt, "centroid"),
			rapid.Float64Range(0, 1.5).Draw(rt, "crit"),
			rapid.Float64Range(0, 1).Draw(rt, "cons"),
			rapid.Float64Range(0, 6.28).Draw(rt, "phase"),
			rapid.Float64Range(0, 1).Draw(rt, "depth"),
			PhiSourceInternal,
			rapid.Float64Range(0, 500).Draw(rt, "lat"),
			rapid.Float64Range(0, 1).Draw(rt, "cpu"),
		)
		data, err := json.Marshal(f)
		require.NoError(rt, err)
		var got Frame
		require.NoError(rt, json.Unmarshal(data, &got))
		assert.Equal(rt, f, got)
	})
}

func TestIdleFrame(t *testing.T) {
	f := Idle(10, 7)
	assert.Equal(t, StateIdle, f.State)
	assert.True(t, f.Valid)
	assert.Equal(t, uint64(7), f.FrameID)
}

func TestLatencyFrame_EffectiveAndAligned(t *testing.T) {
	lf := NewLatencyFrame(1, 2, 3, 4, 1, 10, 6, 0.1, 0.05, true, 0.9, 48000, 512)
	assert.InDelta(t, 4.0, lf.EffectiveMs, 1e-9)
	assert.True(t, lf.IsAligned(5))
	assert.False(t, lf.IsAligned(3))
}
