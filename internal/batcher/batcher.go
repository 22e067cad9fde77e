// Package batcher decouples network event arrival rate from store update
// rate. A burst of stream events is buffered and flushed as one batch, with
// adaptive delay, priority promotion for critical events, and load shedding
// when event velocity exceeds a safe threshold.
package batcher

import (
	"log/slog"
	"sync"
	"time"

	"github.com/foundrly/agentstream/internal/domain"
)

// SamplePolicy selects how oversized content bursts are reduced at flush.
type SamplePolicy string

const (
	// SampleStride keeps every Nth content event, spreading the kept
	// deltas across the burst.
	SampleStride SamplePolicy = "stride"

	// SampleLatest keeps the most recent content events.
	SampleLatest SamplePolicy = "latest"
)

// rollingWindow is the period over which the circuit breaker counts events.
const rollingWindow = time.Second

// Config tunes the batcher. Zero values fall back to defaults.
type Config struct {
	BaseDelay         time.Duration
	PerEventDelay     time.Duration
	MaxDelay          time.Duration
	MaxBatchSize      int
	ThrottleThreshold int
	MinFlushInterval  time.Duration
	Policy            SamplePolicy
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.PerEventDelay <= 0 {
		c.PerEventDelay = 2 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 200 * time.Millisecond
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.ThrottleThreshold <= 0 {
		c.ThrottleThreshold = 100
	}
	if c.MinFlushInterval <= 0 {
		c.MinFlushInterval = 25 * time.Millisecond
	}
	if c.Policy == "" {
		c.Policy = SampleStride
	}
	return c
}

// Batcher buffers stream events and emits bounded batches to a sink. All
// methods are safe for concurrent use. The sink is invoked with the batcher
// lock held so batches are delivered strictly in order; it must not call
// back into the batcher.
type Batcher struct {
	cfg  Config
	log  *slog.Logger
	sink func(domain.EventBatch)

	mu          sync.Mutex
	buf         []*domain.StreamEvent
	bufStart    time.Time
	timer       *time.Timer
	lastFlush   time.Time
	windowStart time.Time
	windowCount int
	shed        uint64
}

// New creates a batcher delivering batches to sink.
func New(cfg Config, sink func(domain.EventBatch), log *slog.Logger) *Batcher {
	if log == nil {
		log = slog.Default()
	}
	return &Batcher{
		cfg:  cfg.withDefaults(),
		log:  log,
		sink: sink,
	}
}

// Add appends one event. Critical events and a full buffer flush
// immediately; content events reschedule the adaptive flush timer. Under
// event flood, content events may be shed entirely.
func (b *Batcher) Add(ev *domain.StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if now.Sub(b.windowStart) > rollingWindow {
		b.windowStart = now
		b.windowCount = 0
	}
	b.windowCount++

	// Circuit breaker: shed content events when velocity is pathological
	// and a flush just happened. Critical events are never shed.
	if !ev.Kind.Critical() &&
		b.windowCount > b.cfg.ThrottleThreshold &&
		now.Sub(b.lastFlush) < b.cfg.MinFlushInterval {
		b.shed++
		return
	}

	if len(b.buf) == 0 {
		b.bufStart = now
	}
	b.buf = append(b.buf, ev)

	if ev.Kind.Critical() || len(b.buf) >= b.cfg.MaxBatchSize {
		b.flushLocked(now)
		return
	}

	// The adaptive deadline is anchored at the first buffered event, so a
	// sustained stream still flushes once the capped delay elapses instead
	// of being postponed by every arrival.
	delay := b.cfg.BaseDelay + time.Duration(len(b.buf))*b.cfg.PerEventDelay
	if delay > b.cfg.MaxDelay {
		delay = b.cfg.MaxDelay
	}
	remaining := b.bufStart.Add(delay).Sub(now)
	if remaining <= 0 {
		b.flushLocked(now)
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(remaining, b.timerFlush)
	} else {
		b.timer.Reset(remaining)
	}
}

// Flush forces immediate delivery of the buffered events. It is idempotent
// on an empty buffer.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked(time.Now())
}

// Cancel clears the timer and buffer without flushing. Used on stream abort.
func (b *Batcher) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
	b.buf = nil
}

// Shed returns how many content events the circuit breaker has discarded.
func (b *Batcher) Shed() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shed
}

func (b *Batcher) timerFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked(time.Now())
}

func (b *Batcher) flushLocked(now time.Time) {
	b.stopTimerLocked()
	if len(b.buf) == 0 {
		return
	}

	critical := make([]*domain.StreamEvent, 0, len(b.buf))
	content := make([]*domain.StreamEvent, 0, len(b.buf))
	for _, ev := range b.buf {
		if ev.Kind.Critical() {
			critical = append(critical, ev)
		} else {
			content = append(content, ev)
		}
	}

	if excess := len(content) - (b.cfg.MaxBatchSize - len(critical)); excess > 0 {
		keep := b.cfg.MaxBatchSize - len(critical)
		if keep < 0 {
			keep = 0
		}
		before := len(content)
		content = sample(content, keep, b.cfg.Policy)
		b.log.Debug("content events down-sampled",
			slog.Int("before", before),
			slog.Int("after", len(content)))
	}

	batch := domain.EventBatch{
		Events:      append(critical, content...),
		CollectedAt: now,
		Window:      now.Sub(b.bufStart),
	}
	b.buf = nil
	b.lastFlush = now

	b.sink(batch)
}

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
}

// sample reduces events to at most keep entries per the policy. Relative
// order of kept events is preserved.
func sample(events []*domain.StreamEvent, keep int, policy SamplePolicy) []*domain.StreamEvent {
	if len(events) <= keep {
		return events
	}
	if keep <= 0 {
		return nil
	}

	if policy == SampleLatest {
		return events[len(events)-keep:]
	}

	// Stride: keep every Nth, N = ceil(count / keep).
	n := (len(events) + keep - 1) / keep
	out := make([]*domain.StreamEvent, 0, keep)
	for i := 0; i < len(events); i += n {
		out = append(out, events[i])
	}
	return out
}
