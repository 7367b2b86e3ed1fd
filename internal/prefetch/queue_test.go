package prefetch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu       sync.Mutex
	fetched  []uint32
	alreadyF map[uint32]bool
	done     chan struct{}
}

func newFakeFetcher(expect int) *fakeFetcher {
	return &fakeFetcher{alreadyF: map[uint32]bool{}, done: make(chan struct{}, expect)}
}

func (f *fakeFetcher) AlreadyFetched(uid uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alreadyF[uid]
}

func (f *fakeFetcher) Fetch(ctx context.Context, uid uint32) {
	f.mu.Lock()
	f.fetched = append(f.fetched, uid)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeFetcher) snapshot() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint32, len(f.fetched))
	copy(out, f.fetched)
	return out
}

type fakePermits struct {
	available int
}

func (p fakePermits) Available() int { return p.available }

func TestEnqueueFetchesInOrder(t *testing.T) {
	fetcher := newFakeFetcher(3)
	q := New(context.Background(), fetcher, fakePermits{available: 3})

	q.Enqueue(1)
	q.Enqueue(2)
	q.Enqueue(3)

	for i := 0; i < 3; i++ {
		select {
		case <-fetcher.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for prefetch worker")
		}
	}

	assert.Equal(t, []uint32{1, 2, 3}, fetcher.snapshot())
}

func TestEnqueueSkipsAlreadyFetched(t *testing.T) {
	fetcher := newFakeFetcher(1)
	fetcher.alreadyF[1] = true
	q := New(context.Background(), fetcher, fakePermits{available: 3})

	q.Enqueue(1)
	q.Enqueue(2)

	select {
	case <-fetcher.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prefetch worker")
	}

	assert.Equal(t, []uint32{2}, fetcher.snapshot())
}

func TestEnqueueDropsDuplicates(t *testing.T) {
	fetcher := newFakeFetcher(1)
	q := New(context.Background(), fetcher, fakePermits{available: 0}) // starve so nothing runs yet

	q.Enqueue(5)
	q.Enqueue(5)

	q.lock()
	require.Len(t, q.items, 1)
	q.unlock()
}

func TestEnqueueOverflowsFromFront(t *testing.T) {
	fetcher := newFakeFetcher(0)
	q := New(context.Background(), fetcher, fakePermits{available: 0}) // starve so worker never drains

	for uid := uint32(1); uid <= MaxLength+5; uid++ {
		q.Enqueue(uid)
	}

	q.lock()
	defer q.unlock()
	require.Len(t, q.items, MaxLength)
	assert.EqualValues(t, 6, q.items[0], "oldest entries should have been dropped from the front")
	assert.EqualValues(t, MaxLength+5, q.items[len(q.items)-1])
}

func TestClearEmptiesQueue(t *testing.T) {
	fetcher := newFakeFetcher(0)
	q := New(context.Background(), fetcher, fakePermits{available: 0})

	q.Enqueue(1)
	q.Enqueue(2)
	q.Clear()

	q.lock()
	defer q.unlock()
	assert.Empty(t, q.items)
}
