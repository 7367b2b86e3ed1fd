// Package prefetch implements the Prefetch Queue (C9): a bounded FIFO
// of UIDs with overflow-from-front, an in-progress dedup set, and a
// single worker goroutine spawned lazily on first enqueue.
package prefetch

import (
	"context"
	"time"

	"github.com/orbitmail/core/internal/logging"
	"github.com/rs/zerolog"
)

// MaxLength bounds the queue to 25 entries.
const MaxLength = 25

// BackoffSleep is how long the worker waits before retrying after a
// permit-starved re-enqueue.
const BackoffSleep = 150 * time.Millisecond

// BetweenItemsSleep is the pacing delay between successfully fetched
// items, giving the foreground fetch path priority.
const BetweenItemsSleep = 50 * time.Millisecond

// Fetcher is invoked once permits allow, for a UID that may have been
// fetched by another path while queued.
type Fetcher interface {
	// AlreadyFetched reports whether uid's body is already cached,
	// letting the worker skip a redundant fetch.
	AlreadyFetched(uid uint32) bool
	// Fetch performs the body fetch; errors are logged, not returned,
	// matching the fire-and-forget semantics of background prefetch.
	Fetch(ctx context.Context, uid uint32)
}

// Permits reports available body-fetch semaphore capacity so the
// worker can back off before starving foreground fetches.
type Permits interface {
	Available() int
}

// Queue is the bounded FIFO plus its worker lifecycle.
type Queue struct {
	ctx     context.Context
	fetcher Fetcher
	permits Permits
	log     zerolog.Logger

	mu         chan struct{} // binary semaphore guarding queue+inProgress
	items      []uint32
	inProgress map[uint32]bool
	workerUp   bool
}

// New constructs a Prefetch Queue bound to a background context used
// for the lifetime of its worker goroutines; ctx should be cancelled
// at process shutdown.
func New(ctx context.Context, fetcher Fetcher, permits Permits) *Queue {
	q := &Queue{
		ctx:        ctx,
		fetcher:    fetcher,
		permits:    permits,
		log:        logging.WithComponent("prefetch"),
		mu:         make(chan struct{}, 1),
		inProgress: make(map[uint32]bool),
	}
	q.mu <- struct{}{}
	return q
}

func (q *Queue) lock()   { <-q.mu }
func (q *Queue) unlock() { q.mu <- struct{}{} }

// Enqueue adds uid to the back of the queue, dropping the oldest entry
// first if already at MaxLength, and starts the worker if it is not
// already running. A UID already queued or in progress is a no-op.
func (q *Queue) Enqueue(uid uint32) {
	if q.fetcher.AlreadyFetched(uid) {
		return
	}

	q.lock()
	if q.inProgress[uid] {
		q.unlock()
		return
	}
	for _, existing := range q.items {
		if existing == uid {
			q.unlock()
			return
		}
	}

	if len(q.items) >= MaxLength {
		q.items = q.items[1:]
	}
	q.items = append(q.items, uid)
	q.log.Debug().Uint32("uid", uid).Msg("prefetch enqueue")

	startWorker := !q.workerUp
	if startWorker {
		q.workerUp = true
	}
	q.unlock()

	if startWorker {
		go q.run()
	}
}

// Clear empties the queue, used when rapid scrolling makes queued UIDs
// stale before the worker reaches them.
func (q *Queue) Clear() {
	q.lock()
	defer q.unlock()
	if len(q.items) > 0 {
		q.log.Debug().Int("count", len(q.items)).Msg("cleared stale prefetch items")
	}
	q.items = nil
}

func (q *Queue) popFront() (uint32, bool) {
	q.lock()
	defer q.unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	uid := q.items[0]
	q.items = q.items[1:]
	q.inProgress[uid] = true
	return uid, true
}

func (q *Queue) pushFront(uid uint32) {
	q.lock()
	defer q.unlock()
	q.items = append([]uint32{uid}, q.items...)
}

func (q *Queue) clearInProgress(uid uint32) {
	q.lock()
	defer q.unlock()
	delete(q.inProgress, uid)
}

// run is the single worker goroutine: pops, backs off under permit
// pressure, fetches, paces, and exits once the queue drains (with a
// final race-safe recheck before stopping).
func (q *Queue) run() {
	for {
		if q.ctx.Err() != nil {
			q.stop()
			return
		}

		uid, ok := q.popFront()
		if !ok {
			q.stop()
			return
		}

		if q.permits.Available() <= 1 {
			q.pushFront(uid)
			q.clearInProgress(uid)
			time.Sleep(BackoffSleep)
			continue
		}

		q.log.Debug().Uint32("uid", uid).Msg("prefetch start")
		if !q.fetcher.AlreadyFetched(uid) {
			q.fetcher.Fetch(q.ctx, uid)
		}
		q.log.Debug().Uint32("uid", uid).Msg("prefetch complete")

		q.clearInProgress(uid)
		time.Sleep(BetweenItemsSleep)
	}
}

// stop marks the worker idle, then races a final check against a
// concurrent Enqueue: if the queue gained an item in the meantime, it
// restarts itself instead of leaving that item stranded.
func (q *Queue) stop() {
	q.lock()
	q.workerUp = false
	restart := len(q.items) > 0
	if restart {
		q.workerUp = true
	}
	q.unlock()

	if restart {
		q.run()
	}
}
