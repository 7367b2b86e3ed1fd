// Package idle implements the coordinator half of the IDLE Listener
// (C7): it drains and collapses the imap.IdleListener's signal channel
// and triggers sync_inbox through the same process-wide single-flight
// lock the Poll Loop and manual refresh use, skipping a tick rather
// than queuing one when a sync is already running.
package idle

import (
	"context"

	imapPkg "github.com/orbitmail/core/internal/imap"
	"github.com/orbitmail/core/internal/logging"
)

// Syncer is the subset of sync.Engine the coordinator needs; kept as
// an interface to avoid a package cycle.
type Syncer interface {
	TryLock() bool
	Unlock()
	RunLocked(ctx context.Context) (int, error)
}

// Coordinator owns an IdleListener and drives sync_inbox from its
// signals, collapsing bursts and skipping overlapping runs.
type Coordinator struct {
	listener *imapPkg.IdleListener
	sync     Syncer
}

// New constructs a Coordinator over an already-built IdleListener.
func New(listener *imapPkg.IdleListener, sync Syncer) *Coordinator {
	return &Coordinator{listener: listener, sync: sync}
}

// Run starts the underlying IDLE listener and processes its signals
// until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	go c.listener.Run(ctx)

	signals := c.listener.Signals()
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			c.drainAndSync(ctx, signals)
		}
	}
}

// drainAndSync non-blockingly drains any additional queued signals
// (collapsing a burst of EXISTS notifications into one sync trigger)
// and then runs sync_inbox unless one is already in flight.
func (c *Coordinator) drainAndSync(ctx context.Context, signals <-chan imapPkg.Signal) {
	log := logging.WithComponent("idle-coordinator")

drain:
	for {
		select {
		case <-signals:
			continue
		default:
			break drain
		}
	}

	if !c.sync.TryLock() {
		log.Debug().Msg("sync already running, skipping idle-triggered tick")
		return
	}
	defer c.sync.Unlock()

	n, err := c.sync.RunLocked(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("idle-triggered sync failed")
		return
	}
	log.Debug().Int("new", n).Msg("idle-triggered sync completed")
}
