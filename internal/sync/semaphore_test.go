package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFetchSemaphoreAcquireRelease(t *testing.T) {
	s := NewFetchSemaphore(2)
	assert.Equal(t, 2, s.Available())

	s.Acquire()
	assert.Equal(t, 1, s.Available())

	s.Acquire()
	assert.Equal(t, 0, s.Available())

	s.Release()
	assert.Equal(t, 1, s.Available())
}

func TestFetchSemaphoreDefaultsToThreeOnNonPositiveCapacity(t *testing.T) {
	assert.Equal(t, 3, NewFetchSemaphore(0).Available())
	assert.Equal(t, 3, NewFetchSemaphore(-1).Available())
}
