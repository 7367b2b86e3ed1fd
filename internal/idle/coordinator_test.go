package idle

import (
	"context"
	"sync/atomic"
	"testing"

	imapPkg "github.com/orbitmail/core/internal/imap"
	"github.com/stretchr/testify/assert"
)

type fakeSyncer struct {
	locked    atomic.Bool
	runCalled atomic.Int32
}

func (f *fakeSyncer) TryLock() bool {
	return f.locked.CompareAndSwap(false, true)
}

func (f *fakeSyncer) Unlock() {
	f.locked.Store(false)
}

func (f *fakeSyncer) RunLocked(ctx context.Context) (int, error) {
	f.runCalled.Add(1)
	return 0, nil
}

func TestDrainAndSyncCollapsesBurstIntoOneRun(t *testing.T) {
	s := &fakeSyncer{}
	c := New(nil, s)

	signals := make(chan imapPkg.Signal, 4)
	signals <- imapPkg.Signal{}
	signals <- imapPkg.Signal{}
	signals <- imapPkg.Signal{}

	c.drainAndSync(context.Background(), signals)

	assert.EqualValues(t, 1, s.runCalled.Load())
	assert.Empty(t, signals)
}

func TestDrainAndSyncSkipsWhenAlreadyLocked(t *testing.T) {
	s := &fakeSyncer{}
	s.locked.Store(true)
	c := New(nil, s)

	signals := make(chan imapPkg.Signal, 1)
	c.drainAndSync(context.Background(), signals)

	assert.EqualValues(t, 0, s.runCalled.Load())
}
