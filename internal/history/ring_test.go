package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_TrimsToDepth(t *testing.T) {
	r := NewRing(3)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	r.Push(4)

	assert.Equal(t, 3, r.Len())
	assert.EqualValues(t, 2, r.Oldest())
	assert.EqualValues(t, 4, r.Newest())
}

func TestRing_FullRequiresWarmup(t *testing.T) {
	r := NewRing(DefaultDepth)
	for i := 0; i < WarmupSamples-1; i++ {
		r.Push(uint64(i))
	}
	assert.False(t, r.Full())

	r.Push(999)
	assert.True(t, r.Full())
}

func TestRing_Reset(t *testing.T) {
	r := NewRing(5)
	r.Push(1)
	r.Push(2)
	r.Reset()
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Full())
}
