// Package poll implements the Poll Loop (C8): a 180-second fallback
// invoker of sync_inbox, cooperative with IDLE and manual refresh via
// the sync engine's single-flight lock.
package poll

import (
	"context"
	"time"

	"github.com/orbitmail/core/internal/logging"
	"github.com/rs/zerolog"
)

// Interval is the fallback tick period.
const Interval = 180 * time.Second

// Syncer is the subset of sync.Engine the Poll Loop needs; kept as an
// interface to avoid a package cycle.
type Syncer interface {
	TryLock() bool
	Unlock()
	RunLocked(ctx context.Context) (int, error)
}

// Loop runs the periodic fallback tick.
type Loop struct {
	sync Syncer
	log  zerolog.Logger
}

// New constructs a Poll Loop over the given sync engine.
func New(sync Syncer) *Loop {
	return &Loop{sync: sync, log: logging.WithComponent("poll")}
}

// Run ticks every Interval until ctx is cancelled. The ticker's first
// tick arrives one Interval after start, so no sync runs immediately at
// startup.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick attempts a non-blocking sync, skipping if one is already
// running, and recovers from a panic so the loop survives it.
func (l *Loop) tick(ctx context.Context) {
	if !l.sync.TryLock() {
		l.log.Debug().Msg("sync already running, skipping poll tick")
		return
	}
	defer l.sync.Unlock()

	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("recovered panic in poll-triggered sync")
		}
	}()

	l.log.Debug().Msg("poll tick: attempting fallback sync")
	n, err := l.sync.RunLocked(ctx)
	if err != nil {
		l.log.Error().Err(err).Msg("poll sync failed")
		return
	}
	l.log.Debug().Int("new", n).Msg("poll sync completed")
}
