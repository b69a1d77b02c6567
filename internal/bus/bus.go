// Package bus implements the FanOutBus (spec §4.5), the concurrency core
// connecting the real-time audio producer to cooperative consumers:
// WebSocket subscribers, disk loggers, and the adaptive controller.
//
// Publish is called from the audio thread and must never block or allocate
// in a way that could stall the callback; it performs an atomic hand-off
// into a single-slot mailbox and wakes the bus worker. The worker — a
// dedicated goroutine, never the audio thread — drains the mailbox and
// distributes frames into per-subscriber bounded queues using drop-oldest.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chromafield/internal/metrics"
)

// queueCapacity is the per-subscriber bounded queue depth (§4.5 invariant 2).
const queueCapacity = 2

// idleTimeout is how long the bus waits without a new published frame before
// synthesising an IDLE heartbeat (§4.5 invariant 5).
const idleTimeout = 1 * time.Second

// mailbox is the lock-free single-slot hand-off from producer to worker. The
// producer overwrites the slot on every publish; the worker atomically swaps
// it out. A generation counter lets the worker detect a fresh frame without
// ever comparing pointers under a lock.
type mailbox struct {
	slot atomic.Pointer[metrics.Frame]
	gen  atomic.Uint64
}

func (m *mailbox) store(f metrics.Frame) {
	frame := f
	m.slot.Store(&frame)
	m.gen.Add(1)
}

func (m *mailbox) load() (metrics.Frame, uint64) {
	p := m.slot.Load()
	if p == nil {
		return metrics.Frame{}, 0
	}
	return *p, m.gen.Load()
}

// Subscription is one consumer's bounded, drop-oldest receive queue,
// returned by Subscribe.
type Subscription struct {
	id       uuid.UUID
	queue    chan metrics.Frame
	dropped  atomic.Uint64
	lastSeen atomic.Uint64 // last delivered frame_id, for ordering diagnostics
}

// Dropped reports how many frames have been dropped for this subscriber
// because its queue was full (§4.5 invariant 3).
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Frames returns the receive channel. Closed on unsubscribe.
func (s *Subscription) Frames() <-chan metrics.Frame { return s.queue }

// push delivers f to the subscriber's queue, dropping the oldest queued
// frame first if the queue is already full (§4.5 invariant 3). Never blocks.
func (s *Subscription) push(f metrics.Frame) {
	for {
		select {
		case s.queue <- f:
			s.lastSeen.Store(f.FrameID)
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
			// Another goroutine drained concurrently; retry the send.
		}
	}
}

// Bus is the FanOutBus (C6).
type Bus struct {
	metricsBox mailbox

	mu          sync.RWMutex
	subscribers map[uuid.UUID]*Subscription

	lastPublishedID  atomic.Uint64
	lastPublishedAt  atomic.Int64 // unix nanos
	heartbeatFrameID atomic.Uint64

	latestLatency atomic.Pointer[metrics.LatencyFrame]

	runMu      sync.Mutex
	workerDone chan struct{}
}

// New constructs an idle Bus. Run must be called to start the worker.
func New() *Bus {
	return &Bus{
		subscribers: make(map[uuid.UUID]*Subscription),
	}
}

// Publish hands a MetricsFrame off to the bus worker. Called exclusively
// from the audio thread; never blocks, never allocates beyond a single
// struct copy onto the heap, which the Go runtime makes unavoidable for the
// pointer hand-off (spec §5 "per-word" parameter discipline covers scalar
// control parameters, not frame hand-off). PublishLatency makes the same
// single copy for latency frames.
func (b *Bus) Publish(f metrics.Frame) {
	b.metricsBox.store(f)
	b.lastPublishedID.Store(f.FrameID)
	b.lastPublishedAt.Store(time.Now().UnixNano())
}

// PublishLatency records the most recent LatencyFrame snapshot. Latency
// frames are published far less often than metrics frames (≥10Hz vs ≥30Hz)
// and are served to subscribers by the WebSocket handler's own polling loop
// (internal/ws) rather than fanned out through per-subscriber queues.
func (b *Bus) PublishLatency(f metrics.LatencyFrame) {
	b.latestLatency.Store(&f)
}

// GetLatestMetrics returns a non-blocking snapshot of the most recently
// published MetricsFrame (spec §6 get_latest_metrics). The zero Frame is
// returned if nothing has been published yet.
func (b *Bus) GetLatestMetrics() metrics.Frame {
	f, _ := b.metricsBox.load()
	return f
}

// GetLatestLatency returns a non-blocking snapshot of the most recently
// published LatencyFrame.
func (b *Bus) GetLatestLatency() (metrics.LatencyFrame, bool) {
	p := b.latestLatency.Load()
	if p == nil {
		return metrics.LatencyFrame{}, false
	}
	return *p, true
}

// Subscribe registers a new consumer and returns its handle. The subscriber
// must eventually call Unsubscribe to free its queue.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		id:    uuid.New(),
		queue: make(chan metrics.Frame, queueCapacity),
	}
	b.mu.Lock()
	b.subscribers[s.id] = s
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its queue. Safe to call more
// than once. Does not affect any other consumer mid-broadcast (§4.5
// "Subscriber lifecycle").
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	_, ok := b.subscribers[s.id]
	if ok {
		delete(b.subscribers, s.id)
	}
	b.mu.Unlock()
	if ok {
		close(s.queue)
	}
}

// SubscriberCount returns the number of currently registered consumers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Run is the bus worker (§4.5 "Scheduling model"): it drains the mailbox and
// fans out to every subscriber, synthesising idle heartbeats when the
// producer has gone quiet. It is cooperative — the only place in the bus
// allowed to suspend — and returns when ctx is cancelled.
func (b *Bus) Run(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Millisecond
	}
	done := make(chan struct{})
	b.runMu.Lock()
	b.workerDone = done
	b.runMu.Unlock()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	defer close(done)

	var lastGen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f, gen := b.metricsBox.load()
			if gen != lastGen && gen != 0 {
				lastGen = gen
				b.distribute(f)
				continue
			}
			b.maybeHeartbeat()
		}
	}
}

// WaitStopped blocks until the most recent Run call has returned after ctx
// cancellation. A no-op if Run has never been called.
func (b *Bus) WaitStopped() {
	b.runMu.Lock()
	done := b.workerDone
	b.runMu.Unlock()
	if done == nil {
		return
	}
	<-done
}

// distribute pushes f to every subscriber while holding the read lock, so
// Unsubscribe (which needs the write lock) cannot close a queue mid-push.
// push never blocks, so holding the lock here is bounded.
func (b *Bus) distribute(f metrics.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subscribers {
		s.push(f)
	}
}

func (b *Bus) maybeHeartbeat() {
	lastAt := b.lastPublishedAt.Load()
	if lastAt == 0 {
		return
	}
	if time.Since(time.Unix(0, lastAt)) < idleTimeout {
		return
	}
	id := b.lastPublishedID.Load() + 1 + b.heartbeatFrameID.Load()
	b.heartbeatFrameID.Add(1)
	idle := metrics.Idle(float64(time.Now().UnixNano())/1e9, id)
	b.distribute(idle)
	slog.Debug("bus idle heartbeat", "frame_id", id, "subscribers", b.SubscriberCount())
}
