// Package miniport implements minios's unreliable datagram protocol:
// port allocation (unbound 0–32767, bound 32768–65535) and the
// per-port arrival FIFO a caller's receive blocks on.
//
// Grounded on original_source/minimsg.c's miniport table and its
// tagged-union port representation, expressed here as two Go structs
// behind one interface rather than a C union with a discriminant.
package miniport

import (
	"sync"

	"github.com/minios-project/minios/internal/coreerr"
	"github.com/minios-project/minios/internal/corelog"
	"github.com/minios-project/minios/internal/sched"
	"github.com/minios-project/minios/internal/wire"
)

const (
	unboundMin = 0
	unboundMax = 32767
	boundMin   = 32768
	boundMax   = 65535

	// MaxMsgSize is MINIMSG_MAX_MSG_SIZE, the largest datagram payload
	// a single send may carry.
	MaxMsgSize = 4096
)

// Router is the outbound path a miniport hands fully-formed frames to
// — minios's miniroute layer.
type Router interface {
	Send(dest wire.Address, frame []byte) (int, error)
	LocalAddress() wire.Address
}

// frame is one received datagram, header intact, as delivered by the
// routing layer.
type frame struct {
	data []byte
}

type unboundPort struct {
	num     int
	arrival *sched.Semaphore
	fifo    []frame
	mu      sync.Mutex
}

type boundPort struct {
	num        int
	remoteAddr wire.Address
	remotePort uint16
}

// Table owns every miniport on a node: the unbound ports callers
// create explicitly, and the bound ports created implicitly by a
// datagram receive or explicitly via CreateBound.
type Table struct {
	sched  *sched.Scheduler
	router Router

	mu       sync.Mutex
	unbound  map[int]*unboundPort
	bound    map[int]*boundPort
	nextBnd  int
}

// NewTable allocates an empty port table bound to the given scheduler
// (for arrival semaphores) and router (for outbound sends).
func NewTable(s *sched.Scheduler, r Router) *Table {
	return &Table{
		sched:   s,
		router:  r,
		unbound: map[int]*unboundPort{},
		bound:   map[int]*boundPort{},
		nextBnd: boundMin,
	}
}

// CreateUnbound creates (or returns, idempotently) the unbound port
// numbered port.
func (tbl *Table) CreateUnbound(port int) (*UnboundHandle, error) {
	if port < unboundMin || port > unboundMax {
		return nil, coreerr.New(coreerr.InvalidArgument, "miniport", "unbound port out of range")
	}
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	p, ok := tbl.unbound[port]
	if !ok {
		p = &unboundPort{num: port, arrival: sched.NewSemaphore(tbl.sched, 0)}
		tbl.unbound[port] = p
	}
	return &UnboundHandle{tbl: tbl, p: p}, nil
}

// CreateBound allocates the next available client port (32768–65535,
// wrapping and skipping in-use numbers) pointing at (remoteAddr,
// remotePort).
func (tbl *Table) CreateBound(remoteAddr wire.Address, remotePort uint16) (*BoundHandle, error) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	start := tbl.nextBnd
	for {
		n := tbl.nextBnd
		tbl.nextBnd++
		if tbl.nextBnd > boundMax {
			tbl.nextBnd = boundMin
		}
		if _, inUse := tbl.bound[n]; !inUse {
			p := &boundPort{num: n, remoteAddr: remoteAddr, remotePort: remotePort}
			tbl.bound[n] = p
			return &BoundHandle{tbl: tbl, p: p}, nil
		}
		if tbl.nextBnd == start {
			return nil, coreerr.New(coreerr.NoMorePorts, "miniport", "no free bound ports")
		}
	}
}

// Deliver implements miniroute.Handler: it is invoked by the routing
// layer for every inbound frame whose inner protocol byte is
// MINIDATAGRAM. Frames addressed to
// an unknown port, too short for a header, or protocol-mismatched are
// dropped silently, matching the "Drop if port unknown..." rule.
func (tbl *Table) Deliver(raw []byte) {
	hdr, _, err := wire.UnpackDatagramHeader(raw)
	if err != nil {
		corelog.Debugf("miniport", "dropping malformed datagram: %v", err)
		return
	}
	tbl.mu.Lock()
	p, ok := tbl.unbound[int(hdr.DstPort)]
	tbl.mu.Unlock()
	if !ok {
		corelog.Debugf("miniport", "dropping datagram for unknown unbound port %d", hdr.DstPort)
		return
	}
	p.mu.Lock()
	p.fifo = append(p.fifo, frame{data: raw})
	p.mu.Unlock()
	p.arrival.V()
}

// UnboundHandle is a caller's reference to an unbound port, the
// server-style datagram endpoint receive blocks on.
type UnboundHandle struct {
	tbl *Table
	p   *unboundPort
}

// Port returns the port number.
func (h *UnboundHandle) Port() int { return h.p.num }

// Receive blocks (via P on the arrival semaphore) until a datagram
// arrives, then returns its payload (clamped to len(buf)) and a fresh
// bound port whose remote address/port is the sender's: the caller owns the returned handle.
func (h *UnboundHandle) Receive(t *sched.Thread, buf []byte) (int, *BoundHandle, error) {
	h.p.arrival.P(t)

	h.p.mu.Lock()
	if len(h.p.fifo) == 0 {
		h.p.mu.Unlock()
		return 0, nil, coreerr.New(coreerr.ReceiveError, "miniport", "spurious arrival wakeup")
	}
	f := h.p.fifo[0]
	h.p.fifo = h.p.fifo[1:]
	h.p.mu.Unlock()

	hdr, hdrLen, err := wire.UnpackDatagramHeader(f.data)
	if err != nil {
		return 0, nil, coreerr.New(coreerr.ReceiveError, "miniport", err.Error())
	}
	payload := f.data[hdrLen:]
	n := copy(buf, payload)

	bound, err := h.tbl.CreateBound(hdr.SrcAddr, hdr.SrcPort)
	if err != nil {
		return n, nil, err
	}
	return n, bound, nil
}

// BoundHandle is a caller's reference to a bound (client-style)
// datagram port, pointing at a fixed remote address+port.
type BoundHandle struct {
	tbl *Table
	p   *boundPort
}

// Port returns the port number.
func (h *BoundHandle) Port() int { return h.p.num }

// Send builds a MINIDATAGRAM header and hands header+payload to the
// routing layer. The returned byte count excludes the header.
func (h *BoundHandle) Send(src *UnboundHandle, payload []byte) (int, error) {
	if len(payload) > MaxMsgSize {
		return 0, coreerr.New(coreerr.InvalidArgument, "miniport", "payload exceeds MaxMsgSize")
	}
	hdr := &wire.DatagramHeader{
		SrcAddr: h.tbl.router.LocalAddress(),
		SrcPort: uint16(src.p.num),
		DstAddr: h.p.remoteAddr,
		DstPort: h.p.remotePort,
	}
	frameBytes := append(wire.PackDatagramHeader(hdr), payload...)
	n, err := h.tbl.router.Send(h.p.remoteAddr, frameBytes)
	if err != nil {
		return 0, coreerr.New(coreerr.SendError, "miniport", err.Error())
	}
	sent := n - wire.DatagramHeaderSize
	if sent < 0 {
		sent = 0
	}
	return sent, nil
}
