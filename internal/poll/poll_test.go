package poll

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSyncer struct {
	locked    atomic.Bool
	runCalled atomic.Int32
	runResult int
	runErr    error
	panicRun  bool
}

func (f *fakeSyncer) TryLock() bool {
	return f.locked.CompareAndSwap(false, true)
}

func (f *fakeSyncer) Unlock() {
	f.locked.Store(false)
}

func (f *fakeSyncer) RunLocked(ctx context.Context) (int, error) {
	f.runCalled.Add(1)
	if f.panicRun {
		panic("boom")
	}
	return f.runResult, f.runErr
}

func TestTickRunsSyncWhenUnlocked(t *testing.T) {
	s := &fakeSyncer{runResult: 3}
	l := New(s)

	l.tick(context.Background())

	assert.EqualValues(t, 1, s.runCalled.Load())
	assert.False(t, s.locked.Load(), "lock must be released after tick")
}

func TestTickSkipsWhenAlreadyLocked(t *testing.T) {
	s := &fakeSyncer{}
	s.locked.Store(true)
	l := New(s)

	l.tick(context.Background())

	assert.EqualValues(t, 0, s.runCalled.Load())
}

func TestTickRecoversFromPanic(t *testing.T) {
	s := &fakeSyncer{panicRun: true}
	l := New(s)

	assert.NotPanics(t, func() { l.tick(context.Background()) })
	assert.False(t, s.locked.Load(), "lock must be released even after a panic")
}
