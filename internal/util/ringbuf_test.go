package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	assert.Empty(t, r.Snapshot())

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
}

func TestRingBufferPartial(t *testing.T) {
	r := NewRingBuffer[string](4)
	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"a", "b"}, r.Snapshot())
}

func TestRingBufferLast(t *testing.T) {
	r := NewRingBuffer[int](4)
	for i := 1; i <= 6; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{5, 6}, r.Last(2))
	assert.Equal(t, []int{3, 4, 5, 6}, r.Last(10))
	assert.Empty(t, r.Last(0))
}

func TestRingBufferZeroCapacity(t *testing.T) {
	r := NewRingBuffer[int](0)
	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{2}, r.Snapshot())
}
