// Package reclaim bounds the message store's retained size over long
// sessions. Compaction preserves the most recent messages and everything
// still streaming; correctness takes priority over strict bounding.
package reclaim

import (
	"context"
	"log/slog"
	"time"

	"github.com/foundrly/agentstream/internal/store"
	"github.com/foundrly/agentstream/internal/tokens"
)

// Config tunes the reclaimer. Zero values fall back to defaults.
type Config struct {
	Interval      time.Duration
	MaxMessages   int
	PreserveLastN int
	// PressureTokens triggers compaction when a thread's estimated token
	// footprint crosses this threshold, even under MaxMessages. 0 disables.
	PressureTokens int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 200
	}
	if c.PreserveLastN <= 0 {
		c.PreserveLastN = 50
	}
	return c
}

// Reclaimer periodically compacts the message store.
type Reclaimer struct {
	cfg       Config
	store     *store.Store
	estimator *tokens.Estimator
	log       *slog.Logger
}

// New creates a reclaimer over the given store. The estimator may be nil,
// which disables the token-pressure trigger.
func New(cfg Config, st *store.Store, est *tokens.Estimator, log *slog.Logger) *Reclaimer {
	if log == nil {
		log = slog.Default()
	}
	return &Reclaimer{
		cfg:       cfg.withDefaults(),
		store:     st,
		estimator: est,
		log:       log,
	}
}

// Run sweeps all threads on the configured interval until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep compacts every thread exceeding its bound. Returns the total number
// of messages dropped. Also usable on-demand between interval ticks.
func (r *Reclaimer) Sweep() int {
	total := 0
	for _, threadID := range r.store.ThreadIDs() {
		total += r.CleanupThread(threadID)
	}
	return total
}

// CleanupThread compacts one thread if its message count exceeds MaxMessages
// or its estimated footprint crosses the pressure threshold. Streaming
// messages are never dropped, even when old.
func (r *Reclaimer) CleanupThread(threadID string) int {
	msgs := r.store.MessagesByThread(threadID)

	over := len(msgs) > r.cfg.MaxMessages
	pressure := false
	if !over && r.cfg.PressureTokens > 0 && r.estimator != nil {
		pressure = r.estimator.CountThread(msgs) > r.cfg.PressureTokens
	}
	if !over && !pressure {
		return 0
	}

	// The store computes the preserved set and swaps the thread in one
	// critical section, so messages appended while we deliberated above
	// cannot be dropped.
	dropped := r.store.CompactThread(threadID, r.cfg.PreserveLastN)
	if dropped > 0 {
		r.log.Info("thread compacted",
			slog.String("thread_id", threadID),
			slog.Int("dropped", dropped),
			slog.Bool("pressure", pressure))
	}
	return dropped
}
