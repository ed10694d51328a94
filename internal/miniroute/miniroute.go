// Package miniroute implements minios's source-routed discovery and
// forwarding layer: the route cache, the broadcast DISCOVERY/REPLY
// exchange, and per-hop forwarding that sits between every node's
// link layer and its miniport/minisocket protocol handlers.
//
// Grounded on original_source/miniroute.c's cache_entry/discovery
// loop, with its stale cached_path re-read during forwarding (a
// use-after-the-cache-entry-may-have-changed defect) not reproduced:
// Send here always reads the entry's path under the table's own lock.
package miniroute

import (
	"sync"
	"time"

	"github.com/minios-project/minios/internal/coreerr"
	"github.com/minios-project/minios/internal/corelog"
	"github.com/minios-project/minios/internal/linklayer"
	"github.com/minios-project/minios/internal/sched"
	"github.com/minios-project/minios/internal/wire"
)

// discoveryRetries and discoveryTimeout live here rather than in
// minisocket because discovery is miniroute's own retry loop,
// independent of the stream layer's retransmission. Every attempt
// waits the same discoveryTimeout; there is no backoff.
const (
	discoveryRetries = 3
	discoveryTimeout = 12 * time.Second
)

// cacheState is the route cache entry's lifecycle.
type cacheState int

const (
	discovering cacheState = iota
	known
)

type cacheEntry struct {
	state       cacheState
	path        []wire.Address // state==known: [self, ..., dest]
	discoveryID uint32
	waiters     int
	update      *sched.Semaphore
}

// Handler receives inbound frames whose protocol byte (the frame's
// first byte) matches the one it registered for — miniport and
// minisocket both implement this to receive dispatched datagram/
// stream traffic.
type Handler interface {
	Deliver(frame []byte)
}

// Table is a node's miniroute layer: route cache, discovery state
// machine, and forwarding, wired to one link and a scheduler.
type Table struct {
	sched *sched.Scheduler
	link  linklayer.Link
	self  wire.Address

	mu              sync.Mutex
	cache           map[wire.Address]*cacheEntry
	nextDiscoveryID uint32
	handlers        map[byte]Handler

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTable creates a miniroute layer bound to link, and starts its
// receive loop, the stand-in for a network interrupt handler.
func NewTable(s *sched.Scheduler, link linklayer.Link) *Table {
	t := &Table{
		sched:    s,
		link:     link,
		self:     link.Address(),
		cache:    map[wire.Address]*cacheEntry{},
		handlers: map[byte]Handler{},
		stop:     make(chan struct{}),
	}
	go t.receiveLoop()
	return t
}

// LocalAddress returns this node's network address.
func (t *Table) LocalAddress() wire.Address { return t.self }

// Close stops the receive loop.
func (t *Table) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// RegisterHandler installs h as the dispatch target for inbound
// frames whose leading byte is protocol (wire.ProtocolDatagram or
// wire.ProtocolStream).
func (t *Table) RegisterHandler(protocol byte, h Handler) {
	t.mu.Lock()
	t.handlers[protocol] = h
	t.mu.Unlock()
}

func (t *Table) receiveLoop() {
	for {
		select {
		case <-t.stop:
			return
		case raw, ok := <-t.link.Inbound():
			if !ok {
				return
			}
			t.handleInbound(raw)
		}
	}
}

func (t *Table) handleInbound(raw []byte) {
	hdr, n, err := wire.UnpackRouteHeader(raw)
	if err != nil {
		corelog.Debugf("miniroute", "dropping malformed route header: %v", err)
		return
	}
	payload := raw[n:]

	if hdr.Destination == t.self {
		switch hdr.Type {
		case wire.PacketDiscovery:
			t.handleDestDiscovery(hdr)
		case wire.PacketReply:
			t.handleDestReply(hdr)
		case wire.PacketData:
			t.handleDestData(payload)
		}
		return
	}
	t.forward(hdr, payload)
}

// handleDestData strips the miniroute header (already done by the
// caller) and dispatches the inner payload by its leading protocol
// byte.
func (t *Table) handleDestData(payload []byte) {
	if len(payload) == 0 {
		return
	}
	t.mu.Lock()
	h, ok := t.handlers[payload[0]]
	t.mu.Unlock()
	if !ok {
		corelog.Debugf("miniroute", "no handler for inner protocol %d", payload[0])
		return
	}
	h.Deliver(payload)
}

// handleDestDiscovery answers a DISCOVERY addressed to us: rewrite to
// REPLY, destination <- the discoverer (path[0]), reset TTL, and send
// the return path back unicast.
func (t *Table) handleDestDiscovery(hdr *wire.RouteHeader) {
	if len(hdr.Path) == 0 {
		return
	}
	discoverer := hdr.Path[0]
	reply := &wire.RouteHeader{
		Type:        wire.PacketReply,
		Destination: discoverer,
		DiscoveryID: hdr.DiscoveryID,
		TTL:         wire.MaxRouteLength,
		Path:        append([]wire.Address{t.self}, reversed(hdr.Path)...),
	}
	t.sendAlongPath(reply, nil)
}

// handleDestReply completes a pending discovery: validate the
// discovery id, install the forward path, and wake every waiter.
func (t *Table) handleDestReply(hdr *wire.RouteHeader) {
	if len(hdr.Path) == 0 {
		return
	}
	// A REPLY's Path was built by handleDestDiscovery as [target,
	// ...reversed hops..., discoverer], so by the time it reaches us
	// (the discoverer) Path[0] is still the original discovery target.
	dest := hdr.Path[0]

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.cache[dest]
	if !ok || e.discoveryID != hdr.DiscoveryID {
		corelog.Debugf("miniroute", "dropping REPLY: no matching pending discovery for %x", dest)
		return
	}
	e.state = known
	e.path = reversed(hdr.Path)
	waiters := e.waiters
	e.waiters = 0
	for i := 0; i < waiters+1; i++ {
		e.update.V()
	}
}

// forward handles a frame not addressed to us: rebroadcast DISCOVERY
// (loop-checked), or unicast DATA/REPLY along the remainder of their
// fixed path.
func (t *Table) forward(hdr *wire.RouteHeader, payload []byte) {
	if hdr.TTL == 0 {
		corelog.Debugf("miniroute", "dropping expired %d packet to %x", hdr.Type, hdr.Destination)
		return
	}

	if hdr.Type == wire.PacketDiscovery {
		for _, a := range hdr.Path {
			if a == t.self {
				corelog.Debugf("miniroute", "dropping DISCOVERY already visiting us")
				return
			}
		}
		fwd := *hdr
		fwd.TTL--
		fwd.Path = append(append([]wire.Address(nil), hdr.Path...), t.self)
		buf, err := wire.PackRouteHeader(&fwd)
		if err != nil {
			corelog.Errorf("miniroute", "pack forwarded DISCOVERY: %v", err)
			return
		}
		if _, err := t.link.Broadcast(append(buf, payload...)); err != nil {
			corelog.Warnf("miniroute", "rebroadcast DISCOVERY: %v", err)
		}
		return
	}

	idx := -1
	for i, a := range hdr.Path {
		if a == t.self {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(hdr.Path) {
		corelog.Debugf("miniroute", "dropping %d packet: not found in path", hdr.Type)
		return
	}
	fwd := *hdr
	fwd.TTL--
	buf, err := wire.PackRouteHeader(&fwd)
	if err != nil {
		corelog.Errorf("miniroute", "pack forwarded packet: %v", err)
		return
	}
	if _, err := t.link.Send(hdr.Path[idx+1], append(buf, payload...)); err != nil {
		corelog.Warnf("miniroute", "forward to %x: %v", hdr.Path[idx+1], err)
	}
}

func reversed(path []wire.Address) []wire.Address {
	out := make([]wire.Address, len(path))
	for i, a := range path {
		out[len(path)-1-i] = a
	}
	return out
}

// sendAlongPath packs hdr and sends it to the entry immediately after
// us in hdr.Path (used both for normal sends and for our own REPLYs).
func (t *Table) sendAlongPath(hdr *wire.RouteHeader, payload []byte) (int, error) {
	idx := -1
	for i, a := range hdr.Path {
		if a == t.self {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(hdr.Path) {
		return 0, coreerr.New(coreerr.SendError, "miniroute", "self not found in path, or path too short")
	}
	buf, err := wire.PackRouteHeader(hdr)
	if err != nil {
		return 0, coreerr.New(coreerr.SendError, "miniroute", err.Error())
	}
	return t.link.Send(hdr.Path[idx+1], append(buf, payload...))
}

// Send is miniroute's public entry point — the Router interface
// miniport and minisocket call into. frame already contains the inner
// protocol header and payload; Send consults the cache (discovering
// through it if necessary), wraps frame in a DATA miniroute header
// carrying the cached source route, and hands it to the link layer.
func (t *Table) Send(dest wire.Address, frame []byte) (int, error) {
	th := t.sched.CurrentThread()
	path, err := t.resolve(th, dest)
	if err != nil {
		return 0, err
	}
	hdr := &wire.RouteHeader{
		Type:        wire.PacketData,
		Destination: dest,
		TTL:         wire.MaxRouteLength,
		Path:        path,
	}
	return t.sendAlongPath(hdr, frame)
}

// resolve returns the cached source route to dest, discovering it if
// necessary.
func (t *Table) resolve(th *sched.Thread, dest wire.Address) ([]wire.Address, error) {
	t.mu.Lock()
	e, ok := t.cache[dest]
	if ok && e.state == known {
		path := e.path
		t.mu.Unlock()
		return path, nil
	}
	if ok && e.state == discovering {
		e.waiters++
		sem := e.update
		t.mu.Unlock()
		sem.P(th)
		return t.afterWait(dest)
	}

	e = &cacheEntry{state: discovering, update: sched.NewSemaphore(t.sched, 0)}
	t.cache[dest] = e
	t.mu.Unlock()
	return t.discover(th, dest, e)
}

func (t *Table) afterWait(dest wire.Address) ([]wire.Address, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.cache[dest]
	if !ok || e.state != known {
		return nil, coreerr.New(coreerr.SendError, "miniroute", "route discovery failed")
	}
	return e.path, nil
}

// discover drives the 3-attempt, alarm-timed broadcast/wait loop.
func (t *Table) discover(th *sched.Thread, dest wire.Address, e *cacheEntry) ([]wire.Address, error) {
	t.mu.Lock()
	id := t.nextDiscoveryID
	t.nextDiscoveryID++
	e.discoveryID = id
	t.mu.Unlock()

	hdr := &wire.RouteHeader{
		Type:        wire.PacketDiscovery,
		Destination: dest,
		DiscoveryID: id,
		TTL:         wire.MaxRouteLength,
		Path:        []wire.Address{t.self},
	}
	buf, err := wire.PackRouteHeader(hdr)
	if err != nil {
		return nil, coreerr.New(coreerr.SendError, "miniroute", err.Error())
	}

	for attempt := 0; attempt < discoveryRetries; attempt++ {
		alarmID := t.sched.RegisterAlarm(discoveryTimeout, func(_ *sched.Scheduler) {
			e.update.V()
		})
		if _, err := t.link.Broadcast(buf); err != nil {
			corelog.Warnf("miniroute", "discovery broadcast: %v", err)
		}
		e.update.P(th)
		t.sched.DeregisterAlarm(alarmID)

		t.mu.Lock()
		gotRoute := e.state == known
		path := e.path
		t.mu.Unlock()
		if gotRoute {
			return path, nil
		}
	}

	t.mu.Lock()
	delete(t.cache, dest)
	t.mu.Unlock()
	return nil, coreerr.New(coreerr.SendError, "miniroute", "route discovery exhausted retries")
}

// Stats is a supplement beyond the distilled spec: a snapshot of the
// route cache for diagnostics/tests, reported state-by-state rather
// than exposing the live map.
type Stats struct {
	Known       int
	Discovering int
}

// Snapshot reports the current cache composition.
func (t *Table) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s Stats
	for _, e := range t.cache {
		if e.state == known {
			s.Known++
		} else {
			s.Discovering++
		}
	}
	return s
}
