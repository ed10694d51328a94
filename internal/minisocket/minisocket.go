// Package minisocket implements minios's reliable byte-stream
// transport on top of miniroute: the SYN/SYNACK/ACK handshake,
// exponential-backoff send-with-retransmit, and the sequence/ack
// receive loop.
//
// Grounded on original_source/minisocket.c's socket table and retry
// loop, and on doismellburning/samoyed's ax25_link_test_shim.go
// T1/T3-timer test style for this package's own retransmission tests.
package minisocket

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/minios-project/minios/internal/coreerr"
	"github.com/minios-project/minios/internal/corelog"
	"github.com/minios-project/minios/internal/sched"
	"github.com/minios-project/minios/internal/wire"
)

const (
	serverPortMin = 0
	serverPortMax = 32767
	clientPortMin = 32768
	clientPortMax = 65535

	// MaxChunkSize bounds a single DATA frame's payload, mirroring
	// miniport's MINIMSG_MAX_MSG_SIZE.
	MaxChunkSize = 4096

	retransmitAttempts = 7
	retransmitBase     = 100 * time.Millisecond
)

// Router is the outbound path a socket table hands fully-formed
// stream frames to — minios's miniroute layer.
type Router interface {
	Send(dest wire.Address, frame []byte) (int, error)
	LocalAddress() wire.Address
}

type role int

const (
	roleServer role = iota
	roleClient
)

type state int

const (
	stateAwaitSyn state = iota
	stateAwaitSynAck
	stateEstablished
	stateClosing
	stateDestroyed
)

type inbound struct {
	hdr     *wire.StreamHeader
	payload []byte
}

// Socket is one endpoint of a reliable stream.
type Socket struct {
	table *Table

	role       role
	localPort  int
	remoteAddr wire.Address
	remotePort uint16

	mu        sync.Mutex
	state     state
	seq       uint32 // next sequence number we will send
	ack       uint32 // highest remote sequence we have accepted
	fifo      []inbound
	arrival   *sched.Semaphore
	blocked   int
	terminate bool
}

// Table owns every minisocket on a node.
type Table struct {
	sched  *sched.Scheduler
	router Router

	mu          sync.Mutex
	sockets     map[int]*Socket
	nextClient  int
}

// NewTable allocates an empty socket table.
func NewTable(s *sched.Scheduler, r Router) *Table {
	return &Table{
		sched:      s,
		router:     r,
		sockets:    map[int]*Socket{},
		nextClient: clientPortMin,
	}
}

func newSocket(tbl *Table, rl role, localPort int, remoteAddr wire.Address, remotePort uint16) *Socket {
	return &Socket{
		table:      tbl,
		role:       rl,
		localPort:  localPort,
		remoteAddr: remoteAddr,
		remotePort: remotePort,
		arrival:    sched.NewSemaphore(tbl.sched, 0),
	}
}

// Deliver implements miniroute.Handler for inbound MINISTREAM frames.
func (tbl *Table) Deliver(raw []byte) {
	hdr, n, err := wire.UnpackStreamHeader(raw)
	if err != nil {
		corelog.Debugf("minisocket", "dropping malformed stream header: %v", err)
		return
	}
	tbl.mu.Lock()
	sock, ok := tbl.sockets[int(hdr.DstPort)]
	tbl.mu.Unlock()
	if !ok {
		corelog.Debugf("minisocket", "dropping frame for unknown socket port %d", hdr.DstPort)
		return
	}
	sock.mu.Lock()
	sock.fifo = append(sock.fifo, inbound{hdr: hdr, payload: raw[n:]})
	sock.mu.Unlock()
	sock.arrival.V()
}

// Listen creates a server socket on port and blocks until a client
// completes the handshake.
func (tbl *Table) Listen(th *sched.Thread, port int) (*Socket, error) {
	if port < serverPortMin || port > serverPortMax {
		return nil, coreerr.New(coreerr.InvalidArgument, "minisocket", "server port out of range")
	}
	tbl.mu.Lock()
	if _, exists := tbl.sockets[port]; exists {
		tbl.mu.Unlock()
		return nil, coreerr.New(coreerr.PortInUse, "minisocket", "server port already bound")
	}
	sock := newSocket(tbl, roleServer, port, wire.Address{}, 0)
	sock.state = stateAwaitSyn
	tbl.sockets[port] = sock
	tbl.mu.Unlock()

	for {
		sock.arrival.P(th)
		sock.mu.Lock()
		item, ok := popFIFO(&sock.fifo)
		sock.mu.Unlock()
		if !ok {
			continue
		}
		if item.hdr.MsgType != wire.MsgSyn {
			continue
		}
		sock.remoteAddr = item.hdr.SrcAddr
		sock.remotePort = item.hdr.SrcPort
		sock.ack = item.hdr.Seq
		break
	}

	matched, err := sock.sendWithRetransmit(th, wire.MsgSynAck, nil, func(h *wire.StreamHeader) bool {
		return h.MsgType == wire.MsgAck && h.Ack == sock.seq
	})
	if err != nil {
		tbl.remove(port)
		return nil, coreerr.New(coreerr.SendError, "minisocket", "handshake failed: "+err.Error())
	}
	_ = matched
	sock.seq++
	sock.mu.Lock()
	sock.state = stateEstablished
	sock.mu.Unlock()
	return sock, nil
}

// Connect opens a client socket toward (destAddr, destPort).
func (tbl *Table) Connect(th *sched.Thread, destAddr wire.Address, destPort int) (*Socket, error) {
	tbl.mu.Lock()
	local := -1
	start := tbl.nextClient
	for {
		n := tbl.nextClient
		tbl.nextClient++
		if tbl.nextClient > clientPortMax {
			tbl.nextClient = clientPortMin
		}
		if _, inUse := tbl.sockets[n]; !inUse {
			local = n
			break
		}
		if tbl.nextClient == start {
			tbl.mu.Unlock()
			return nil, coreerr.New(coreerr.NoMorePorts, "minisocket", "no free client ports")
		}
	}
	sock := newSocket(tbl, roleClient, local, destAddr, uint16(destPort))
	sock.state = stateAwaitSynAck
	tbl.sockets[local] = sock
	tbl.mu.Unlock()

	matched, err := sock.sendWithRetransmit(th, wire.MsgSyn, nil, func(h *wire.StreamHeader) bool {
		return h.MsgType == wire.MsgSynAck && h.Ack == sock.seq
	})
	if err != nil {
		tbl.remove(local)
		return nil, coreerr.New(coreerr.SendError, "minisocket", "connect failed: "+err.Error())
	}
	sock.ack = matched.Seq
	sock.seq++
	sock.sendFireAndForget(wire.MsgAck, nil)
	sock.mu.Lock()
	sock.state = stateEstablished
	sock.mu.Unlock()
	return sock, nil
}

func (tbl *Table) remove(port int) {
	tbl.mu.Lock()
	delete(tbl.sockets, port)
	tbl.mu.Unlock()
}

func popFIFO(fifo *[]inbound) (inbound, bool) {
	if len(*fifo) == 0 {
		return inbound{}, false
	}
	item := (*fifo)[0]
	*fifo = (*fifo)[1:]
	return item, true
}

func (s *Socket) header(msgType byte) *wire.StreamHeader {
	return &wire.StreamHeader{
		SrcAddr: s.table.router.LocalAddress(),
		SrcPort: uint16(s.localPort),
		DstAddr: s.remoteAddr,
		DstPort: s.remotePort,
		MsgType: msgType,
		Seq:     s.seq,
		Ack:     s.ack,
	}
}

// sendFireAndForget transmits msgType once with no retransmission —
// used for pure ACKs and the closing FIN.
func (s *Socket) sendFireAndForget(msgType byte, payload []byte) {
	hdr := s.header(msgType)
	frame := append(wire.PackStreamHeader(hdr), payload...)
	if _, err := s.table.router.Send(s.remoteAddr, frame); err != nil {
		corelog.Debugf("minisocket", "fire-and-forget %d send: %v", msgType, err)
	}
}

// sendWithRetransmit sends a frame with exponential backoff over 7
// attempts, base 100ms, accepting only the reply expect reports true
// for.
func (s *Socket) sendWithRetransmit(th *sched.Thread, msgType byte, payload []byte, expect func(*wire.StreamHeader) bool) (*wire.StreamHeader, error) {
	hdr := s.header(msgType)
	frame := append(wire.PackStreamHeader(hdr), payload...)

	delay := retransmitBase
	for attempt := 0; attempt < retransmitAttempts; attempt++ {
		if _, err := s.table.router.Send(s.remoteAddr, frame); err != nil {
			corelog.Debugf("minisocket", "retransmit attempt %d send: %v", attempt, err)
		}
		alarmID := s.table.sched.RegisterAlarm(delay, func(_ *sched.Scheduler) {
			s.arrival.V()
		})
		s.arrival.P(th)
		alreadyFired := s.table.sched.DeregisterAlarm(alarmID)

		s.mu.Lock()
		item, ok := popFIFO(&s.fifo)
		s.mu.Unlock()

		if ok && expect(item.hdr) {
			if alreadyFired {
				// The timeout alarm also posted; that post is still
				// outstanding in the semaphore's count and must be
				// drained so a later P doesn't wake spuriously.
				s.arrival.P(th)
			}
			return item.hdr, nil
		}
		if ok {
			corelog.Debugf("minisocket", "ignoring unexpected frame type %d during retransmit wait", item.hdr.MsgType)
		}
		delay *= 2
	}
	return nil, coreerr.New(coreerr.SendError, "minisocket", "retransmit attempts exhausted")
}

// Send partitions buf into chunks and sends each with retransmit.
// FIN is emitted once, by Close, rather than at the end of every
// Send: FIN models a once-per-socket ESTABLISHED -> CLOSING lifecycle
// transition, not a per-call marker, so a socket that sends multiple
// times before closing emits exactly one FIN.
func (s *Socket) Send(th *sched.Thread, buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 {
		n := len(buf)
		if n > MaxChunkSize {
			n = MaxChunkSize
		}
		chunk := buf[:n]
		expectedAck := s.seq
		_, err := s.sendWithRetransmit(th, wire.MsgData, chunk, func(h *wire.StreamHeader) bool {
			return h.MsgType == wire.MsgAck && h.Ack == expectedAck
		})
		if err != nil {
			return total, err
		}
		s.seq++
		total += n
		buf = buf[n:]
	}
	return total, nil
}

// SendContext is Send with cooperative cancellation, a supplement
// beyond the distilled spec: ctx is checked between chunks so a caller
// can abandon a long transfer without waiting out a full retransmit
// exhaustion.
func (s *Socket) SendContext(ctx context.Context, th *sched.Thread, buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		n := len(buf)
		if n > MaxChunkSize {
			n = MaxChunkSize
		}
		sent, err := s.Send(th, buf[:n])
		total += sent
		if err != nil {
			return total, err
		}
		buf = buf[n:]
	}
	return total, nil
}

// Receive waits for the next in-order DATA chunk, acknowledging it
// (and re-acknowledging out-of-order or duplicate arrivals so lost
// ACKs get covered), or reports EOF on FIN / an error if the socket
// was closed while blocked.
func (s *Socket) Receive(th *sched.Thread, buf []byte) (int, error) {
	for {
		s.mu.Lock()
		s.blocked++
		s.mu.Unlock()

		s.arrival.P(th)

		s.mu.Lock()
		s.blocked--
		if s.terminate {
			s.mu.Unlock()
			return -1, coreerr.New(coreerr.ReceiveError, "minisocket", "socket terminated while blocked")
		}
		item, ok := popFIFO(&s.fifo)
		s.mu.Unlock()
		if !ok {
			continue
		}

		if item.hdr.MsgType == wire.MsgFin {
			s.mu.Lock()
			s.state = stateClosing
			s.mu.Unlock()
			return 0, nil
		}
		if item.hdr.MsgType != wire.MsgData {
			continue
		}

		s.mu.Lock()
		expected := s.ack + 1
		if item.hdr.Seq == expected {
			s.ack = expected
			ackHdr := s.header(wire.MsgAck)
			s.mu.Unlock()
			frame := wire.PackStreamHeader(ackHdr)
			if _, err := s.table.router.Send(s.remoteAddr, frame); err != nil {
				corelog.Debugf("minisocket", "ack send: %v", err)
			}
			n := copy(buf, item.payload)
			return n, nil
		}
		// Not the expected sequence: re-acknowledge our current ack
		// to cover a lost ACK, and keep waiting (duplicate/old data
		// is acknowledged but never delivered twice).
		ackHdr := s.header(wire.MsgAck)
		s.mu.Unlock()
		frame := wire.PackStreamHeader(ackHdr)
		if _, err := s.table.router.Send(s.remoteAddr, frame); err != nil {
			corelog.Debugf("minisocket", "duplicate-cover ack send: %v", err)
		}
	}
}

// Close marks the socket terminated, emits the stream's one FIN, and
// posts the arrival semaphore once per thread currently blocked in
// Receive, yielding until the blocked count reaches zero so every one
// of them wakes and observes terminate rather than just the first.
// Close never fails.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.state == stateDestroyed {
		s.mu.Unlock()
		return
	}
	wasEstablished := s.state == stateEstablished
	s.state = stateDestroyed
	s.terminate = true
	s.mu.Unlock()

	if wasEstablished {
		s.sendFireAndForget(wire.MsgFin, nil)
	}

	s.mu.Lock()
	n := s.blocked
	s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.arrival.V()
	}
	for {
		s.mu.Lock()
		remaining := s.blocked
		s.mu.Unlock()
		if remaining == 0 {
			break
		}
		runtime.Gosched()
	}

	s.table.remove(s.localPort)
}
