package dispatcher

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_SameKeyRunsInOrder(t *testing.T) {
	p := NewPool(4, 128)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		assert.True(t, p.TrySubmit("dev-1", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	p.Shutdown()

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestPool_FullQueueRejects(t *testing.T) {
	p := NewPool(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})

	assert.True(t, p.TrySubmit("k", func() {
		close(started)
		<-block
	}))
	<-started
	assert.True(t, p.TrySubmit("k", func() {}))
	assert.False(t, p.TrySubmit("k", func() {}))

	close(block)
	p.Shutdown()
}

func TestPool_ShutdownIsIdempotent(t *testing.T) {
	p := NewPool(0, 0)
	p.Shutdown()
	p.Shutdown()
	assert.False(t, p.TrySubmit("k", func() {}))
}
