package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMultilevelQueueBandExclusivity(t *testing.T) {
	m := newMultilevelQueue[int](4)
	m.enqueue(2, 42)

	v, band, ok := m.dequeue(0)
	require.True(t, ok)
	require.Equal(t, 42, v)
	require.Equal(t, 2, band)
	require.True(t, m.empty())
}

func TestMultilevelQueuePrefersFromBand(t *testing.T) {
	m := newMultilevelQueue[int](4)
	m.enqueue(0, 10)
	m.enqueue(3, 30)

	v, band, ok := m.dequeue(3)
	require.True(t, ok)
	require.Equal(t, 30, v)
	require.Equal(t, 3, band)

	v, band, ok = m.dequeue(3)
	require.True(t, ok)
	require.Equal(t, 10, v)
	require.Equal(t, 0, band)
}

func TestMultilevelQueueWrapsAround(t *testing.T) {
	m := newMultilevelQueue[int](4)
	m.enqueue(1, 1)

	v, band, ok := m.dequeue(2)
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 1, band)
}

func TestMultilevelQueueEmptyReportsMiss(t *testing.T) {
	m := newMultilevelQueue[int](4)
	_, _, ok := m.dequeue(1)
	require.False(t, ok)
}
