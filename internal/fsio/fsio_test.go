package fsio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minios-project/minios/internal/blockdev"
	"github.com/minios-project/minios/internal/sched"
)

func TestProtectedWriteThenReadRoundTrip(t *testing.T) {
	s := sched.NewScheduler([4]int{80, 40, 24, 16}, time.Millisecond)
	dev := blockdev.NewMemDevice(4)
	defer dev.Close()
	sh := New(s, dev)
	defer sh.Close()

	want := make([]byte, blockdev.BlockSize)
	copy(want, []byte("fsio round trip"))

	done := make(chan struct{})
	var got []byte
	go s.Start(func(self *sched.Thread, _ any) {
		require.NoError(t, sh.ProtectedWrite(self, 3, want))
		buf := make([]byte, blockdev.BlockSize)
		require.NoError(t, sh.ProtectedRead(self, 3, buf))
		got = buf
		close(done)
	}, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("protected read/write never completed")
	}
	require.Equal(t, want, got)
}

func TestDistinctBlocksDoNotInterfere(t *testing.T) {
	s := sched.NewScheduler([4]int{80, 40, 24, 16}, time.Millisecond)
	dev := blockdev.NewMemDevice(4)
	defer dev.Close()
	sh := New(s, dev)
	defer sh.Close()

	const n = 3
	done := make(chan struct{})
	results := make([][]byte, n)

	go s.Start(func(self *sched.Thread, _ any) {
		for i := 0; i < n; i++ {
			buf := make([]byte, blockdev.BlockSize)
			buf[0] = byte('a' + i)
			require.NoError(t, sh.ProtectedWrite(self, i, buf))
		}
		for i := 0; i < n; i++ {
			buf := make([]byte, blockdev.BlockSize)
			require.NoError(t, sh.ProtectedRead(self, i, buf))
			results[i] = buf
		}
		close(done)
	}, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("operations never completed")
	}
	for i := 0; i < n; i++ {
		require.Equal(t, byte('a'+i), results[i][0])
	}
}
