package ring

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexQueue_FIFO(t *testing.T) {
	q := NewIndexQueue(4)

	_, ok := q.Pop()
	assert.False(t, ok)

	for i := uint32(0); i < 4; i++ {
		assert.True(t, q.Push(i))
	}
	assert.False(t, q.Push(99))
	assert.Equal(t, 4, q.Len())

	for i := uint32(0); i < 4; i++ {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestIndexQueue_RoundsCapacityUp(t *testing.T) {
	q := NewIndexQueue(5)
	assert.Equal(t, 8, q.Cap())
}

func TestIndexQueue_ConcurrentSPSC(t *testing.T) {
	q := NewIndexQueue(8)
	const total = 20000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := uint32(0); i < total; {
			if q.Push(i) {
				i++
			} else {
				runtime.Gosched()
			}
		}
	}()

	var next uint32
	go func() {
		defer wg.Done()
		for next < total {
			v, ok := q.Pop()
			if !ok {
				runtime.Gosched()
				continue
			}
			if v != next {
				t.Errorf("out of order: got %d, want %d", v, next)
				return
			}
			next++
		}
	}()

	wg.Wait()
	assert.Equal(t, uint32(total), next)
}
