package minisocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minios-project/minios/internal/coreerr"
	"github.com/minios-project/minios/internal/linklayer"
	"github.com/minios-project/minios/internal/miniroute"
	"github.com/minios-project/minios/internal/sched"
	"github.com/minios-project/minios/internal/wire"
)

func newNode(t *testing.T, net *linklayer.Network, addr wire.Address, loss linklayer.LossProfile) (*sched.Scheduler, *Table) {
	t.Helper()
	link := net.Join(addr, loss)
	s := sched.NewScheduler([4]int{80, 40, 24, 16}, time.Millisecond)
	rt := miniroute.NewTable(s, link)
	tbl := NewTable(s, rt)
	rt.RegisterHandler(wire.ProtocolStream, tbl)
	return s, tbl
}

func tickLoop(s *sched.Scheduler, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

func TestStreamHandshakeAndTransfer(t *testing.T) {
	net := linklayer.NewNetwork()
	addrServer, addrClient := wire.Address{1}, wire.Address{2}
	sServer, tblServer := newNode(t, net, addrServer, linklayer.LossProfile{})
	sClient, tblClient := newNode(t, net, addrClient, linklayer.LossProfile{})

	stop := make(chan struct{})
	defer close(stop)
	go tickLoop(sServer, stop)
	go tickLoop(sClient, stop)

	const payloadLen = 5000
	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}

	serverDone := make(chan []byte, 1)
	go sServer.Start(func(self *sched.Thread, _ any) {
		sock, err := tblServer.Listen(self, 7)
		require.NoError(t, err)
		var got []byte
		buf := make([]byte, 2048)
		for {
			n, err := sock.Receive(self, buf)
			require.NoError(t, err)
			if n == 0 {
				break
			}
			got = append(got, buf[:n]...)
		}
		serverDone <- got
	}, nil)

	clientDone := make(chan struct{})
	go sClient.Start(func(self *sched.Thread, _ any) {
		sock, err := tblClient.Connect(self, addrServer, 7)
		require.NoError(t, err)
		n, err := sock.Send(self, payload)
		require.NoError(t, err)
		require.Equal(t, payloadLen, n)
		sock.Close()
		close(clientDone)
	}, nil)

	select {
	case <-clientDone:
	case <-time.After(10 * time.Second):
		t.Fatal("client never finished sending")
	}

	select {
	case got := <-serverDone:
		require.Equal(t, payload, got)
	case <-time.After(10 * time.Second):
		t.Fatal("server never observed EOF")
	}
}

func TestStreamTransferSurvivesLossyAcks(t *testing.T) {
	net := linklayer.NewNetwork()
	addrServer, addrClient := wire.Address{1}, wire.Address{2}
	// Drop about 30% of the frames the server sends, its ACKs among
	// them; the client's own frames are never dropped. The 4 KiB
	// transfer must still complete.
	loss := linklayer.LossProfile{DropRate: 0.3}
	sServer, tblServer := newNode(t, net, addrServer, loss)
	sClient, tblClient := newNode(t, net, addrClient, linklayer.LossProfile{})

	stop := make(chan struct{})
	defer close(stop)
	go tickLoop(sServer, stop)
	go tickLoop(sClient, stop)

	const payloadLen = 4096
	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	serverDone := make(chan int, 1)
	go sServer.Start(func(self *sched.Thread, _ any) {
		sock, err := tblServer.Listen(self, 9)
		require.NoError(t, err)
		total := 0
		buf := make([]byte, 2048)
		for {
			n, err := sock.Receive(self, buf)
			require.NoError(t, err)
			if n == 0 {
				break
			}
			total += n
		}
		serverDone <- total
	}, nil)

	go sClient.Start(func(self *sched.Thread, _ any) {
		sock, err := tblClient.Connect(self, addrServer, 9)
		require.NoError(t, err)
		_, _ = sock.Send(self, payload)
		sock.Close()
	}, nil)

	select {
	case total := <-serverDone:
		require.Equal(t, payloadLen, total)
	case <-time.After(20 * time.Second):
		t.Fatal("transfer never completed despite retransmission")
	}
}

func TestListenRejectsDuplicateServerPort(t *testing.T) {
	net := linklayer.NewNetwork()
	_, tbl := newNode(t, net, wire.Address{1}, linklayer.LossProfile{})
	s := tbl.sched

	// Listen blocks until a handshake completes, so the first listener
	// runs on its own thread; once it has claimed port 7 and blocked,
	// the main thread resumes and tries the same port.
	errCh := make(chan error, 1)
	go s.Start(func(self *sched.Thread, _ any) {
		s.Fork(func(th *sched.Thread, _ any) {
			_, _ = tbl.Listen(th, 7)
		}, nil)
		s.Yield(self)
		_, err := tbl.Listen(self, 7)
		errCh <- err
	}, nil)

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.ErrorIs(t, err, coreerr.ErrPortInUse)
	case <-time.After(2 * time.Second):
		t.Fatal("second Listen on the same port never returned")
	}
}

func TestCloseWakesEveryBlockedReceiver(t *testing.T) {
	net := linklayer.NewNetwork()
	_, tbl := newNode(t, net, wire.Address{1}, linklayer.LossProfile{})
	s := tbl.sched

	// Listen would block until a peer handshakes, and this test has no
	// peer, so the socket is installed in the table directly.
	sock := newSocket(tbl, roleServer, 11, wire.Address{}, 0)
	tbl.sockets[11] = sock
	ready := make(chan struct{})
	go s.Start(func(self *sched.Thread, _ any) {
		close(ready)
	}, nil)
	<-ready

	const waiters = 3
	results := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		s.Fork(func(th *sched.Thread, _ any) {
			buf := make([]byte, 16)
			_, err := sock.Receive(th, buf)
			results <- err
		}, nil)
	}

	require.Eventually(t, func() bool {
		return sock.arrival.WaiterLen() == waiters
	}, time.Second, time.Millisecond)

	sock.Close()

	for i := 0; i < waiters; i++ {
		select {
		case err := <-results:
			require.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("a blocked Receive never woke on Close")
		}
	}
	require.Zero(t, sock.arrival.WaiterLen())
}
