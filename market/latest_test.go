package market

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestSlotKeepsOnlyNewest(t *testing.T) {
	s := NewLatestSlot[float64]()
	assert.False(t, s.Publish(10))
	assert.True(t, s.Publish(20))
	assert.True(t, s.Publish(30))

	assert.Equal(t, 30.0, <-s.C())
	select {
	case v := <-s.C():
		t.Fatalf("unexpected extra value %v", v)
	default:
	}
}

func TestLatestSlotNeverBlocksProducer(t *testing.T) {
	s := NewLatestSlot[int]()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			s.Publish(i)
		}
		close(done)
	}()
	<-done
	assert.Equal(t, 9999, <-s.C())
}

func TestEventQueueFIFO(t *testing.T) {
	q := NewEventQueue[int]()
	assert.Nil(t, q.Drain())

	for i := 1; i <= 5; i++ {
		q.Push(i)
	}
	assert.Equal(t, 5, q.Len())
	select {
	case <-q.Ready():
	default:
		t.Fatal("ready signal expected")
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, q.Drain())
	assert.Zero(t, q.Len())
	assert.Nil(t, q.Drain())
}

func TestEventQueueConcurrentPushNoLoss(t *testing.T) {
	q := NewEventQueue[int]()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Push(i)
			}
		}()
	}
	wg.Wait()
	require.Len(t, q.Drain(), 1000)
}
