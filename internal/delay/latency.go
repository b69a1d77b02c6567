package delay

import (
	"errors"
	"math"
)

// ErrLatencyOutOfRange is returned by Calibrate when the measured total
// round-trip latency falls outside the accepted (0, 500ms) window (§4.4).
var ErrLatencyOutOfRange = errors.New("delay: measured latency out of acceptable range")

// ErrLowCalibrationQuality is returned by Calibrate when the
// correlation-peak-to-mean ratio falls below the minimum quality threshold.
var ErrLowCalibrationQuality = errors.New("delay: calibration correlation quality too low")

// minQualityRatio is the minimum peak-to-mean cross-correlation ratio
// required to accept a calibration measurement (§4.4).
const minQualityRatio = 3.0

// driftCorrectionCooldownS is the minimum time between automatic drift
// corrections (§4.4).
const driftCorrectionCooldownS = 60.0

// CalibrationResult is the outcome of a one-shot latency calibration burst.
type CalibrationResult struct {
	TotalMeasuredMs float64
	QualityRatio    float64
}

// CrossCorrelate finds the lag in samples (positive, recorded trailing
// transmitted) that maximises the cross-correlation between the transmitted
// probe burst and the recorded loopback signal, and the ratio of that peak
// to the mean of the absolute correlation — the calibration quality score
// (§4.4). sampleRate converts the winning lag into milliseconds.
func CrossCorrelate(transmitted, recorded []float64, sampleRate float64) CalibrationResult {
	n := len(transmitted)
	m := len(recorded)
	maxLag := m
	if maxLag < 1 {
		return CalibrationResult{}
	}
	corr := make([]float64, maxLag)
	for lag := 0; lag < maxLag; lag++ {
		var sum float64
		count := 0
		for i := 0; i < n && i+lag < m; i++ {
			sum += transmitted[i] * recorded[i+lag]
			count++
		}
		if count > 0 {
			corr[lag] = sum / float64(count)
		}
	}

	peakLag := 0
	peakVal := math.Abs(corr[0])
	var meanAbs float64
	for lag, v := range corr {
		av := math.Abs(v)
		meanAbs += av
		if av > peakVal {
			peakVal = av
			peakLag = lag
		}
	}
	meanAbs /= float64(len(corr))

	quality := 0.0
	if meanAbs > 0 {
		quality = peakVal / meanAbs
	}

	totalMs := 0.0
	if sampleRate > 0 {
		totalMs = float64(peakLag) / sampleRate * 1000
	}
	return CalibrationResult{TotalMeasuredMs: totalMs, QualityRatio: quality}
}

// Calibrate validates a CrossCorrelate result against the acceptance window
// and quality floor, returning the accepted total latency or a reason the
// measurement was rejected (§4.4).
func Calibrate(result CalibrationResult) (float64, error) {
	if result.TotalMeasuredMs <= 0 || result.TotalMeasuredMs >= 500 {
		return 0, ErrLatencyOutOfRange
	}
	if result.QualityRatio < minQualityRatio {
		return 0, ErrLowCalibrationQuality
	}
	return result.TotalMeasuredMs, nil
}

// Decompose breaks a total measured latency down into its hardware, engine
// and OS/scheduling components (§4.4).
func Decompose(totalMs, hwInMs, hwOutMs float64, bufferSize int, sampleRate float64) (engineMs, osMs float64) {
	engineMs = float64(bufferSize) / sampleRate * 1000
	osMs = totalMs - (hwInMs + hwOutMs + engineMs)
	if osMs < 0 {
		osMs = 0
	}
	return engineMs, osMs
}

// callbackSample is one (actual, expected) callback timestamp pair pushed
// into the drift history every block (§4.4).
type callbackSample struct {
	actualS, expectedS float64
}

// DriftMonitor tracks the accumulating difference between actual and
// expected audio callback timestamps and decides when a one-shot correction
// is warranted (§4.4). history is a fixed-capacity ring allocated once in
// NewDriftMonitor (no per-block allocation, §5/§9): Push writes into it at
// writeIdx and DriftRateMsPerS is computed from rolling sums maintained
// incrementally as samples enter the trailing regression window and age out
// of it, rather than re-deriving a linear fit over a freshly built slice
// every block.
type DriftMonitor struct {
	callbackRateHz float64
	history        []callbackSample
	maxHistory     int
	writeIdx       int
	filled         int

	winStartIdx              int
	windowN                  int
	sumT, sumY, sumTT, sumTY float64

	startS            float64
	hasStart          bool
	lastCorrectionS   float64
	hasLastCorrection bool
}

// driftRateWindowS is the trailing window DriftRateMsPerS's rolling sums are
// maintained over (§4.4: "at least 1s of samples").
const driftRateWindowS = 1.0

// NewDriftMonitor sizes the bounded history ring to hold at least 10 minutes
// of callbacks at the given rate (§4.4).
func NewDriftMonitor(callbackRateHz float64) *DriftMonitor {
	maxHistory := int(callbackRateHz * 600)
	if maxHistory < 1 {
		maxHistory = 1
	}
	return &DriftMonitor{
		callbackRateHz: callbackRateHz,
		history:        make([]callbackSample, maxHistory),
		maxHistory:     maxHistory,
	}
}

// Push records one callback's actual and expected wall-clock time and
// returns the current cumulative drift in milliseconds.
func (d *DriftMonitor) Push(actualS, expectedS float64) float64 {
	if !d.hasStart {
		d.startS = actualS
		d.hasStart = true
	}

	d.history[d.writeIdx] = callbackSample{actualS: actualS, expectedS: expectedS}
	d.writeIdx = (d.writeIdx + 1) % d.maxHistory
	if d.filled < d.maxHistory {
		d.filled++
	}

	t := actualS
	y := (actualS - expectedS) * 1000
	d.sumT += t
	d.sumY += y
	d.sumTT += t * t
	d.sumTY += t * y
	d.windowN++

	cutoff := t - driftRateWindowS
	for d.windowN > 1 {
		old := d.history[d.winStartIdx]
		if old.actualS >= cutoff {
			break
		}
		oldY := (old.actualS - old.expectedS) * 1000
		d.sumT -= old.actualS
		d.sumY -= oldY
		d.sumTT -= old.actualS * old.actualS
		d.sumTY -= old.actualS * oldY
		d.windowN--
		d.winStartIdx = (d.winStartIdx + 1) % d.maxHistory
	}

	return (actualS - expectedS) * 1000
}

// DriftRateMsPerS is the slope of a linear fit of (actual - expected)
// against actual time over the trailing ~1s window, in ms per second
// (§4.4), read from the rolling sums Push maintains incrementally.
func (d *DriftMonitor) DriftRateMsPerS() float64 {
	n := float64(d.windowN)
	if d.windowN < 2 {
		return 0
	}
	denom := n*d.sumTT - d.sumT*d.sumT
	if denom == 0 {
		return 0
	}
	return (n*d.sumTY - d.sumT*d.sumY) / denom
}

// ShouldCorrect reports whether cumulative drift at nowS has exceeded the
// allowed bound (2ms * elapsed_minutes/10) and the 60s correction cooldown
// has elapsed; correctionMs is the one-shot correction to apply
// (-current_drift_ms) when true (§4.4).
func (d *DriftMonitor) ShouldCorrect(nowS, currentDriftMs float64) (correctionMs float64, apply bool) {
	if !d.hasStart {
		return 0, false
	}
	elapsedMinutes := (nowS - d.startS) / 60
	bound := 2.0 * (elapsedMinutes / 10)
	if math.Abs(currentDriftMs) <= bound {
		return 0, false
	}
	if d.hasLastCorrection && nowS-d.lastCorrectionS < driftCorrectionCooldownS {
		return 0, false
	}
	return -currentDriftMs, true
}

// RecordCorrection marks nowS as the time of the most recent drift
// correction, resetting the cooldown.
func (d *DriftMonitor) RecordCorrection(nowS float64) {
	d.lastCorrectionS = nowS
	d.hasLastCorrection = true
}
