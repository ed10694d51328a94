package linklayer

import (
	"math/rand"
	"sync"

	"github.com/minios-project/minios/internal/coreerr"
	"github.com/minios-project/minios/internal/wire"
)

// network is a shared in-process registry of simlinks, standing in
// for the physical medium peers broadcast onto. By default every
// joined address can reach every other (a single broadcast domain);
// Network.Connect narrows specific addresses to an explicit neighbor
// list, letting tests exercise miniroute's multi-hop forwarding
// instead of always resolving routes in one hop.
type network struct {
	mu         sync.Mutex
	peers      map[wire.Address]*Simlink
	restricted map[wire.Address]map[wire.Address]bool
}

// NewNetwork allocates an empty in-process medium for Simlinks to
// join. Tests build one topology per test for isolation.
func NewNetwork() *Network {
	return &Network{inner: &network{
		peers:      map[wire.Address]*Simlink{},
		restricted: map[wire.Address]map[wire.Address]bool{},
	}}
}

// Connect restricts a and b to reach each other directly but narrows
// a's (and b's) reachability to only its explicitly connected
// neighbors from then on — the first Connect call for an address
// switches it from full-mesh to an explicit adjacency list.
func (n *Network) Connect(a, b wire.Address) {
	n.inner.mu.Lock()
	defer n.inner.mu.Unlock()
	for _, pair := range [][2]wire.Address{{a, b}, {b, a}} {
		from, to := pair[0], pair[1]
		if n.inner.restricted[from] == nil {
			n.inner.restricted[from] = map[wire.Address]bool{}
		}
		n.inner.restricted[from][to] = true
	}
}

func (n *network) reachable(from, to wire.Address) bool {
	nbrs, ok := n.restricted[from]
	if !ok {
		return true // unrestricted: full mesh
	}
	return nbrs[to]
}

// Network is the handle test code holds to a shared in-process medium.
type Network struct {
	inner *network
}

// LossProfile tunes Simlink's unreliability: the probability that a
// frame the link sends is dropped or duplicated. It applies to every
// frame, not to any one message type.
type LossProfile struct {
	// DropRate is the probability, in [0,1], that an otherwise
	// deliverable frame is silently dropped.
	DropRate float64

	// DuplicateRate is the probability a delivered frame is also
	// delivered a second time.
	DuplicateRate float64

	// Rand is the source of randomness; a fixed-seed rand.Rand makes
	// loss behavior reproducible in tests. If nil, Join installs a new
	// source seeded with 1.
	Rand *rand.Rand
}

// Simlink is an in-process Link implementation: no real sockets, just
// channel delivery to other Simlinks sharing the same Network, with
// optional loss/duplication.
type Simlink struct {
	net     *network
	addr    wire.Address
	loss    LossProfile
	inbound chan []byte
	closed  bool
	mu      sync.Mutex
}

// Join creates a Simlink for addr on net, registering it so peers'
// Send/Broadcast calls can reach it.
func (n *Network) Join(addr wire.Address, loss LossProfile) *Simlink {
	l := &Simlink{
		net:     n.inner,
		addr:    addr,
		loss:    loss,
		inbound: make(chan []byte, 256),
	}
	if l.loss.Rand == nil {
		l.loss.Rand = rand.New(rand.NewSource(1))
	}
	n.inner.mu.Lock()
	n.inner.peers[addr] = l
	n.inner.mu.Unlock()
	return l
}

func (l *Simlink) Address() wire.Address { return l.addr }

func (l *Simlink) deliverTo(dest *Simlink, frame []byte) {
	if l.loss.DropRate > 0 && l.loss.Rand.Float64() < l.loss.DropRate {
		return
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case dest.inbound <- cp:
	default:
	}
	if l.loss.DuplicateRate > 0 && l.loss.Rand.Float64() < l.loss.DuplicateRate {
		cp2 := make([]byte, len(frame))
		copy(cp2, frame)
		select {
		case dest.inbound <- cp2:
		default:
		}
	}
}

func (l *Simlink) Send(dest wire.Address, frame []byte) (int, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return 0, coreerr.New(coreerr.SendError, "linklayer", "link closed")
	}
	l.net.mu.Lock()
	peer, ok := l.net.peers[dest]
	reachable := ok && l.net.reachable(l.addr, dest)
	l.net.mu.Unlock()
	if !reachable {
		return 0, coreerr.New(coreerr.SendError, "linklayer", "no such peer")
	}
	l.deliverTo(peer, frame)
	return len(frame), nil
}

func (l *Simlink) Broadcast(frame []byte) (int, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return 0, coreerr.New(coreerr.SendError, "linklayer", "link closed")
	}
	l.net.mu.Lock()
	peers := make([]*Simlink, 0, len(l.net.peers))
	for addr, p := range l.net.peers {
		if addr != l.addr && l.net.reachable(l.addr, addr) {
			peers = append(peers, p)
		}
	}
	l.net.mu.Unlock()
	for _, p := range peers {
		l.deliverTo(p, frame)
	}
	return len(frame), nil
}

func (l *Simlink) Inbound() <-chan []byte { return l.inbound }

func (l *Simlink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.net.mu.Lock()
	delete(l.net.peers, l.addr)
	l.net.mu.Unlock()
	return nil
}
