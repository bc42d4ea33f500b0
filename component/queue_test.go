package component

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueue_PushTake(t *testing.T) {
	q := newTaskQueue()

	for i := 0; i < 3; i++ {
		depth, woke, ok := q.push(&queuedTask{})
		require.True(t, ok)
		assert.False(t, woke)
		assert.Equal(t, i+1, depth)
	}

	batch, stopped, parked := q.take()
	assert.Len(t, batch, 3)
	assert.False(t, stopped)
	assert.False(t, parked)
	assert.Equal(t, 0, q.len())
}

func TestTaskQueue_ParkAndWake(t *testing.T) {
	q := newTaskQueue()

	got := make(chan int, 1)
	go func() {
		batch, _, parked := q.take()
		if parked {
			got <- len(batch)
		} else {
			got <- -1
		}
	}()

	require.Eventually(t, q.isPassive, time.Second, time.Millisecond)

	_, woke, ok := q.push(&queuedTask{})
	require.True(t, ok)
	assert.True(t, woke)
	assert.False(t, q.isPassive())

	select {
	case n := <-got:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken")
	}
}

func TestTaskQueue_Stop(t *testing.T) {
	q := newTaskQueue()
	_, _, ok := q.push(&queuedTask{})
	require.True(t, ok)

	assert.True(t, q.stop())
	assert.False(t, q.stop())
	assert.True(t, q.isStopped())

	_, _, ok = q.push(&queuedTask{})
	assert.False(t, ok)

	batch, stopped, _ := q.take()
	assert.Len(t, batch, 1)
	assert.True(t, stopped)

	batch, stopped, _ = q.take()
	assert.Empty(t, batch)
	assert.True(t, stopped)
}

func TestTaskQueue_StopWakesParkedConsumer(t *testing.T) {
	q := newTaskQueue()

	done := make(chan bool, 1)
	go func() {
		_, stopped, _ := q.take()
		done <- stopped
	}()

	require.Eventually(t, q.isPassive, time.Second, time.Millisecond)
	q.stop()

	select {
	case stopped := <-done:
		assert.True(t, stopped)
	case <-time.After(time.Second):
		t.Fatal("stop did not wake consumer")
	}
}
