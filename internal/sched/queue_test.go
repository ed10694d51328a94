package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := newQueue[int]()
	q.append(1)
	q.append(2)
	q.append(3)

	v, ok := q.dequeue()
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 2, q.length())

	v, ok = q.dequeue()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestQueuePrepend(t *testing.T) {
	q := newQueue[int]()
	q.append(2)
	q.prepend(1)

	v, ok := q.dequeue()
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestQueueEmptyDequeue(t *testing.T) {
	q := newQueue[int]()
	_, ok := q.dequeue()
	require.False(t, ok)
}

func TestQueueDrainsToEmpty(t *testing.T) {
	q := newQueue[string]()
	for _, s := range []string{"a", "b", "c"} {
		q.append(s)
	}
	for i := 0; i < 3; i++ {
		_, ok := q.dequeue()
		require.True(t, ok)
	}
	_, ok := q.dequeue()
	require.False(t, ok)
	require.Equal(t, 0, q.length())
}
