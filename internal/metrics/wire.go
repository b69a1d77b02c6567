package metrics

import "encoding/json"

// wireFrame mirrors the JSON wire format from spec §6: one object per frame,
// no array wrapper, keys exactly as listed there.
type wireFrame struct {
	Timestamp          float64   `json:"timestamp"`
	FrameID             uint64    `json:"frame_id"`
	ICI                 float64   `json:"ici"`
	PhaseCoherence      float64   `json:"phase_coherence"`
	SpectralCentroid    float64   `json:"spectral_centroid"`
	Criticality         float64   `json:"criticality"`
	ConsciousnessLevel  float64   `json:"consciousness_level"`
	State               State     `json:"state"`
	PhiPhase            float64   `json:"phi_phase"`
	PhiDepth            float64   `json:"phi_depth"`
	PhiSource           PhiSource `json:"phi_source"`
	LatencyMs           float64   `json:"latency_ms"`
	CPULoad             float64   `json:"cpu_load"`
	Valid               bool      `json:"valid"`
}

// MarshalJSON implements the wire format of spec §6.
func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireFrame{
		Timestamp:         f.TimestampS,
		FrameID:           f.FrameID,
		ICI:               f.ICI,
		PhaseCoherence:    f.PhaseCoherence,
		SpectralCentroid:  f.SpectralCentroidHz,
		Criticality:       f.Criticality,
		ConsciousnessLevel: f.ConsciousnessLevel,
		State:             f.State,
		PhiPhase:          f.PhiPhase,
		PhiDepth:          f.PhiDepth,
		PhiSource:         f.PhiSrc,
		LatencyMs:         f.LatencyMs,
		CPULoad:           f.CPULoad,
		Valid:             f.Valid,
	})
}

// UnmarshalJSON implements the wire format of spec §6 for round-trip tests.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*f = Frame{
		TimestampS:         w.Timestamp,
		FrameID:            w.FrameID,
		ICI:                w.ICI,
		PhaseCoherence:     w.PhaseCoherence,
		SpectralCentroidHz: w.SpectralCentroid,
		Criticality:        w.Criticality,
		ConsciousnessLevel: w.ConsciousnessLevel,
		State:              w.State,
		PhiPhase:           w.PhiPhase,
		PhiDepth:           w.PhiDepth,
		PhiSrc:             w.PhiSource,
		LatencyMs:          w.LatencyMs,
		CPULoad:            w.CPULoad,
		Valid:              w.Valid,
	}
	return nil
}

type wireLatencyFrame struct {
	Timestamp             float64 `json:"timestamp"`
	HwInputMs             float64 `json:"hw_input_ms"`
	HwOutputMs            float64 `json:"hw_output_ms"`
	EngineMs              float64 `json:"engine_ms"`
	OSMs                  float64 `json:"os_ms"`
	TotalMeasuredMs       float64 `json:"total_measured_ms"`
	CompensationOffsetMs  float64 `json:"compensation_offset_ms"`
	EffectiveMs           float64 `json:"effective_ms"`
	DriftMs               float64 `json:"drift_ms"`
	DriftRateMsPerSec     float64 `json:"drift_rate_ms_per_sec"`
	Calibrated            bool    `json:"calibrated"`
	CalibrationQuality    float64 `json:"calibration_quality"`
	SampleRate            int     `json:"sample_rate"`
	BufferSize            int     `json:"buffer_size"`
	Aligned5ms            bool    `json:"aligned_5ms"`
}

// MarshalJSON implements the LatencyFrame wire format of spec §6.
func (l LatencyFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireLatencyFrame{
		Timestamp:            l.TimestampS,
		HwInputMs:            l.HwInputMs,
		HwOutputMs:           l.HwOutputMs,
		EngineMs:             l.EngineMs,
		OSMs:                 l.OSMs,
		TotalMeasuredMs:      l.TotalMeasuredMs,
		CompensationOffsetMs: l.CompensationOffsetMs,
		EffectiveMs:          l.EffectiveMs,
		DriftMs:              l.DriftMs,
		DriftRateMsPerSec:    l.DriftRateMsPerS,
		Calibrated:           l.Calibrated,
		CalibrationQuality:   l.CalibrationQuality,
		SampleRate:           l.SampleRate,
		BufferSize:           l.BufferSize,
		Aligned5ms:           l.IsAligned(DefaultAlignmentToleranceMs),
	})
}

// UnmarshalJSON implements the LatencyFrame wire format of spec §6 for
// round-trip tests. Aligned5ms is derived, not stored, so it is ignored on
// the way back in.
func (l *LatencyFrame) UnmarshalJSON(data []byte) error {
	var w wireLatencyFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*l = LatencyFrame{
		TimestampS:           w.Timestamp,
		HwInputMs:            w.HwInputMs,
		HwOutputMs:           w.HwOutputMs,
		EngineMs:             w.EngineMs,
		OSMs:                 w.OSMs,
		TotalMeasuredMs:      w.TotalMeasuredMs,
		CompensationOffsetMs: w.CompensationOffsetMs,
		EffectiveMs:          w.EffectiveMs,
		DriftMs:              w.DriftMs,
		DriftRateMsPerS:      w.DriftRateMsPerSec,
		Calibrated:           w.Calibrated,
		CalibrationQuality:   w.CalibrationQuality,
		SampleRate:           w.SampleRate,
		BufferSize:           w.BufferSize,
	}
	return nil
}
