package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chromafield/internal/metrics"
	"chromafield/internal/mix"
	"chromafield/internal/phi"
)

func newTestPipeline(t *testing.T) (*Pipeline, *HeadlessDevice) {
	t.Helper()
	dev, err := NewHeadlessDevice(48000, 512)
	require.NoError(t, err)
	return New(dev), dev
}

func TestPipeline_StartRunPublishesFramesThenStops(t *testing.T) {
	p, _ := newTestPipeline(t)
	assert.Equal(t, StateStopped, p.State())

	sub := p.Bus().Subscribe()
	defer p.Bus().Unsubscribe(sub)

	require.NoError(t, p.Start(context.Background(), false))
	assert.Equal(t, StateRunning, p.State())

	select {
	case f := <-sub.Frames():
		assert.True(t, f.Valid)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a metrics frame")
	}

	require.NoError(t, p.Stop())
	assert.Equal(t, StateStopped, p.State())
}

func TestPipeline_SurvivesRepeatedStartStopCycles(t *testing.T) {
	p, _ := newTestPipeline(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Start(context.Background(), false))
		assert.Equal(t, StateRunning, p.State())
		require.NoError(t, p.Stop())
		assert.Equal(t, StateStopped, p.State())
	}
}

func TestPipeline_StartTwiceFails(t *testing.T) {
	p, _ := newTestPipeline(t)
	require.NoError(t, p.Start(context.Background(), false))
	defer p.Stop()

	err := p.Start(context.Background(), false)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestPipeline_SilentInputYieldsSilentOutput(t *testing.T) {
	p, dev := newTestPipeline(t)
	var captured []float32
	dev.InputGen = func(block []float32) {
		for i := range block {
			block[i] = 0
		}
	}

	// One synchronous block before Start, so the output can be inspected
	// without racing the device goroutine.
	captured = dev.Tick(p.callback, make([]float32, 512))
	for _, v := range captured {
		assert.Equal(t, float32(0), v)
	}

	sub := p.Bus().Subscribe()
	defer p.Bus().Unsubscribe(sub)
	require.NoError(t, p.Start(context.Background(), false))
	defer p.Stop()

	f := <-sub.Frames()
	assert.True(t, f.Valid)
}

func TestPipeline_PublishedFrameReportsActivePhiSource(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.PhiController().SetSource(phi.SourceManual)

	sub := p.Bus().Subscribe()
	defer p.Bus().Unsubscribe(sub)
	require.NoError(t, p.Start(context.Background(), false))
	defer p.Stop()

	f := <-sub.Frames()
	assert.Equal(t, metrics.PhiSourceManual, f.PhiSrc)
}

func TestPipeline_CompensationOffsetClampsToRange(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.SetCompensationOffsetMs(1000)
	assert.Equal(t, 200.0, p.CompensationOffsetMs())

	p.SetCompensationOffsetMs(-10)
	assert.Equal(t, 0.0, p.CompensationOffsetMs())
}

func TestPipeline_AdjustCompensationClampsDelta(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.SetCompensationOffsetMs(100)
	p.AdjustCompensationMs(1000)
	assert.Equal(t, 150.0, p.CompensationOffsetMs())
}

func TestPipeline_SetDownmixStrategy(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.SetDownmixStrategy(mix.StrategySpatial)
	require.NoError(t, p.Start(context.Background(), false))
	defer p.Stop()
	time.Sleep(10 * time.Millisecond)
}

func TestPipeline_StopWhenNotRunningIsNoop(t *testing.T) {
	p, _ := newTestPipeline(t)
	assert.NoError(t, p.Stop())
	assert.Equal(t, StateStopped, p.State())
}

func TestPipeline_CalibrateLatencyWhileRunning(t *testing.T) {
	p, _ := newTestPipeline(t)
	require.NoError(t, p.Start(context.Background(), false))
	defer p.Stop()

	err := p.CalibrateLatency(context.Background())
	// The synthetic 1kHz sine loopback scores a peak-to-mean ratio of about
	// 1.6, under the quality floor of 3, so err is ErrLowCalibrationQuality
	// here; either outcome must leave the pipeline back in Running.
	_ = err
	assert.Equal(t, StateRunning, p.State())
}

func TestPipeline_CalibrateLatencyRejectedWhenStopped(t *testing.T) {
	p, _ := newTestPipeline(t)
	err := p.CalibrateLatency(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}
