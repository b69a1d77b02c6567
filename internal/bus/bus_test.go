package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chromafield/internal/metrics"
)

func startWorker(t *testing.T, b *Bus) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx, time.Millisecond)
	return cancel
}

func TestSubscribe_ReceivesPublishedFrames(t *testing.T) {
	b := New()
	cancel := startWorker(t, b)
	defer cancel()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	f := metrics.New(1, 1, 0, 0, 0, 1.0, 0, 0, 0, metrics.PhiSourceManual, 0, 0)
	b.Publish(f)

	select {
	case got := <-sub.Frames():
		assert.Equal(t, uint64(1), got.FrameID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestSubscribe_DropOldestOnFullQueue(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := uint64(1); i <= 3; i++ {
		f := metrics.New(float64(i), i, 0, 0, 0, 1.0, 0, 0, 0, metrics.PhiSourceManual, 0, 0)
		b.distribute(f)
	}

	assert.Equal(t, uint64(1), sub.Dropped())

	first := <-sub.Frames()
	second := <-sub.Frames()
	assert.Equal(t, uint64(2), first.FrameID)
	assert.Equal(t, uint64(3), second.FrameID)
}

func TestUnsubscribe_ClosesQueueAndStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub.Frames()
	assert.False(t, open)

	assert.Equal(t, 0, b.SubscriberCount())
}

func TestUnsubscribe_DoesNotAffectOtherSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe()
	c := b.Subscribe()
	b.Unsubscribe(a)

	f := metrics.New(1, 42, 0, 0, 0, 1.0, 0, 0, 0, metrics.PhiSourceManual, 0, 0)
	b.distribute(f)

	got := <-c.Frames()
	assert.Equal(t, uint64(42), got.FrameID)
}

func TestRun_SynthesisesIdleHeartbeatAfterTimeout(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	f := metrics.New(1, 1, 0, 0, 0, 1.0, 0, 0, 0, metrics.PhiSourceManual, 0, 0)
	b.Publish(f)
	// Artificially age the last-publish timestamp so the heartbeat fires
	// immediately rather than waiting a real second.
	b.lastPublishedAt.Store(time.Now().Add(-2 * time.Second).UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, time.Millisecond)

	<-sub.Frames() // the real frame published above

	select {
	case idle := <-sub.Frames():
		assert.Equal(t, metrics.StateIdle, idle.State)
		assert.True(t, idle.Valid)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for idle heartbeat")
	}
}

func TestRun_SurvivesRepeatedStartStopCycles(t *testing.T) {
	b := New()
	b.WaitStopped() // never started yet: must return immediately, not block

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		go b.Run(ctx, time.Millisecond)
		cancel()
		b.WaitStopped()
	}
}

func TestGetLatestMetrics_NonBlockingSnapshot(t *testing.T) {
	b := New()
	assert.Equal(t, uint64(0), b.GetLatestMetrics().FrameID)

	f := metrics.New(1, 5, 0, 0, 0, 1.0, 0, 0, 0, metrics.PhiSourceManual, 0, 0)
	b.Publish(f)
	require.Equal(t, uint64(5), b.GetLatestMetrics().FrameID)
}

func TestGetLatestLatency_ReportsAbsenceThenValue(t *testing.T) {
	b := New()
	_, ok := b.GetLatestLatency()
	assert.False(t, ok)

	lf := metrics.NewLatencyFrame(1, 1, 1, 1, 1, 4, 0, 0, 0, true, 1, 48000, 512)
	b.PublishLatency(lf)
	got, ok := b.GetLatestLatency()
	assert.True(t, ok)
	assert.InDelta(t, 4.0, got.EffectiveMs, 1e-9)
}
