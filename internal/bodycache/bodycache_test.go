package bodycache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetMiss(t *testing.T) {
	c := New(Capacity)
	_, ok := c.Get(1)
	assert.False(t, ok)
}

func TestPutThenGet(t *testing.T) {
	c := New(Capacity)
	c.Put(1, "<p>hi</p>")

	html, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "<p>hi</p>", html)
}

func TestDefaultCapacityOnNonPositiveArg(t *testing.T) {
	c := New(0)
	assert.Equal(t, 0, c.Len())
	for i := 0; i < Capacity; i++ {
		c.Put(uint32(i), fmt.Sprintf("body-%d", i))
	}
	assert.Equal(t, Capacity, c.Len())
}

func TestEvictsOldestOverCapacity(t *testing.T) {
	c := New(2)
	c.Put(1, "one")
	c.Put(2, "two")
	c.Put(3, "three")

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(1)
	assert.False(t, ok, "oldest entry should have been evicted")

	_, ok = c.Get(3)
	assert.True(t, ok)
}
