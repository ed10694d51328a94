package blockdev

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemDeviceWriteThenRead(t *testing.T) {
	d := NewMemDevice(4)
	defer d.Close()

	want := make([]byte, BlockSize)
	copy(want, []byte("hello block"))

	d.WriteBlock(1, want)
	select {
	case c := <-d.Completions():
		require.Equal(t, 1, c.Block)
		require.NoError(t, c.Err)
	case <-time.After(time.Second):
		t.Fatal("write never completed")
	}

	got := make([]byte, BlockSize)
	d.ReadBlock(1, got)
	select {
	case c := <-d.Completions():
		require.Equal(t, 1, c.Block)
		require.NoError(t, c.Err)
	case <-time.After(time.Second):
		t.Fatal("read never completed")
	}
	require.Equal(t, want, got)
}

func TestMemDeviceOutOfRangeErrors(t *testing.T) {
	d := NewMemDevice(2)
	defer d.Close()
	d.ReadBlock(99, make([]byte, BlockSize))
	c := <-d.Completions()
	require.Error(t, c.Err)
}

func TestFileDevicePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := OpenFileDevice(path, 4)
	require.NoError(t, err)

	want := make([]byte, BlockSize)
	copy(want, []byte("persisted"))
	d.WriteBlock(2, want)
	<-d.Completions()
	require.NoError(t, d.Close())

	d2, err := OpenFileDevice(path, 4)
	require.NoError(t, err)
	defer d2.Close()

	got := make([]byte, BlockSize)
	d2.ReadBlock(2, got)
	c := <-d2.Completions()
	require.NoError(t, c.Err)
	require.Equal(t, want, got)
}
