package linklayer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minios-project/minios/internal/wire"
)

func TestSimlinkSendDelivers(t *testing.T) {
	net := NewNetwork()
	a := net.Join(wire.Address{1}, LossProfile{})
	b := net.Join(wire.Address{2}, LossProfile{})

	n, err := a.Send(b.Address(), []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	select {
	case got := <-b.Inbound():
		require.Equal(t, []byte("hello"), got)
	case <-time.After(time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestSimlinkBroadcastReachesAllButSelf(t *testing.T) {
	net := NewNetwork()
	a := net.Join(wire.Address{1}, LossProfile{})
	b := net.Join(wire.Address{2}, LossProfile{})
	c := net.Join(wire.Address{3}, LossProfile{})

	_, err := a.Broadcast([]byte("x"))
	require.NoError(t, err)

	for _, l := range []*Simlink{b, c} {
		select {
		case <-l.Inbound():
		case <-time.After(time.Second):
			t.Fatal("broadcast never reached a peer")
		}
	}
	select {
	case <-a.Inbound():
		t.Fatal("broadcast looped back to sender")
	default:
	}
}

func TestSimlinkSendToUnknownPeerErrors(t *testing.T) {
	net := NewNetwork()
	a := net.Join(wire.Address{1}, LossProfile{})
	_, err := a.Send(wire.Address{99}, []byte("x"))
	require.Error(t, err)
}

func TestSimlinkLossyLinkStillDeliversEventually(t *testing.T) {
	net := NewNetwork()
	a := net.Join(wire.Address{1}, LossProfile{DropRate: 0.5})
	b := net.Join(wire.Address{2}, LossProfile{})

	delivered := 0
	const attempts = 200
	for i := 0; i < attempts; i++ {
		_, _ = a.Send(b.Address(), []byte{byte(i)})
	}
	timeout := time.After(2 * time.Second)
drain:
	for {
		select {
		case <-b.Inbound():
			delivered++
		case <-timeout:
			break drain
		default:
			if delivered > 0 {
				break drain
			}
		}
	}
	require.Greater(t, delivered, 0)
	require.Less(t, delivered, attempts)
}
