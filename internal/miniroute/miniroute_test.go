package miniroute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minios-project/minios/internal/linklayer"
	"github.com/minios-project/minios/internal/sched"
	"github.com/minios-project/minios/internal/wire"
)

func newTestScheduler() *sched.Scheduler {
	return sched.NewScheduler([4]int{80, 40, 24, 16}, time.Millisecond)
}

// runThread forks fn as the scheduler's main thread and returns once
// it completes, failing the test on timeout.
func runThread(t *testing.T, s *sched.Scheduler, fn func(self *sched.Thread)) {
	t.Helper()
	done := make(chan struct{})
	go s.Start(func(self *sched.Thread, _ any) {
		fn(self)
		close(done)
	}, nil)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("thread never completed")
	}
}

func TestDirectDiscoveryAndDataDelivery(t *testing.T) {
	net := linklayer.NewNetwork()
	addrA, addrB := wire.Address{1}, wire.Address{2}
	linkA := net.Join(addrA, linklayer.LossProfile{})
	linkB := net.Join(addrB, linklayer.LossProfile{})

	sA, sB := newTestScheduler(), newTestScheduler()
	rtA := NewTable(sA, linkA)
	rtB := NewTable(sB, linkB)
	defer rtA.Close()
	defer rtB.Close()

	var received []byte
	recvDone := make(chan struct{})
	rtB.RegisterHandler(wire.ProtocolDatagram, handlerFunc(func(frame []byte) {
		received = append([]byte(nil), frame...)
		close(recvDone)
	}))

	runThread(t, sA, func(self *sched.Thread) {
		n, err := rtA.Send(addrB, []byte{wire.ProtocolDatagram, 'h', 'i'})
		require.NoError(t, err)
		require.Greater(t, n, 0)
	})

	select {
	case <-recvDone:
	case <-time.After(2 * time.Second):
		t.Fatal("B never received the frame")
	}
	require.Equal(t, []byte{wire.ProtocolDatagram, 'h', 'i'}, received)

	stats := rtA.Snapshot()
	require.Equal(t, 1, stats.Known)
}

func TestForwardingThroughIntermediateHop(t *testing.T) {
	net := linklayer.NewNetwork()
	addrA, addrB, addrC := wire.Address{1}, wire.Address{2}, wire.Address{3}
	linkA := net.Join(addrA, linklayer.LossProfile{})
	linkB := net.Join(addrB, linklayer.LossProfile{})
	linkC := net.Join(addrC, linklayer.LossProfile{})
	net.Connect(addrA, addrB)
	net.Connect(addrB, addrC)

	sA, sB, sC := newTestScheduler(), newTestScheduler(), newTestScheduler()
	rtA := NewTable(sA, linkA)
	rtB := NewTable(sB, linkB)
	rtC := NewTable(sC, linkC)
	defer rtA.Close()
	defer rtB.Close()
	defer rtC.Close()

	recvDone := make(chan struct{})
	var received []byte
	rtC.RegisterHandler(wire.ProtocolDatagram, handlerFunc(func(frame []byte) {
		received = append([]byte(nil), frame...)
		close(recvDone)
	}))

	runThread(t, sA, func(self *sched.Thread) {
		_, err := rtA.Send(addrC, []byte{wire.ProtocolDatagram, 'x'})
		require.NoError(t, err)
	})

	select {
	case <-recvDone:
	case <-time.After(3 * time.Second):
		t.Fatal("C never received the forwarded frame")
	}
	require.Equal(t, []byte{wire.ProtocolDatagram, 'x'}, received)
}

func TestForwardDropsOnZeroTTL(t *testing.T) {
	net := linklayer.NewNetwork()
	addrA, addrB := wire.Address{1}, wire.Address{2}
	linkA := net.Join(addrA, linklayer.LossProfile{})
	sA := newTestScheduler()
	rtA := NewTable(sA, linkA)
	defer rtA.Close()

	hdr := &wire.RouteHeader{Type: wire.PacketData, Destination: addrB, TTL: 0, Path: []wire.Address{addrA, addrB}}
	rtA.forward(hdr, nil) // must not panic; nothing reachable to assert but absence of a send.
}

type handlerFunc func(frame []byte)

func (f handlerFunc) Deliver(frame []byte) { f(frame) }
