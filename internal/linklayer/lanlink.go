package linklayer

import (
	"context"
	"net"
	"sync"

	"github.com/brutella/dnssd"
	"golang.org/x/sys/unix"

	"github.com/minios-project/minios/internal/coreerr"
	"github.com/minios-project/minios/internal/corelog"
	"github.com/minios-project/minios/internal/wire"
)

// dnsSDServiceType mirrors doismellburning/samoyed's DNS_SD_SERVICE
// constant (src/dns_sd.go), renamed for this project's own service.
const dnsSDServiceType = "_minios-node._udp"

// LANLink is a real UDP-socket Link with peer discovery via mDNS/
// DNS-SD, grounded on doismellburning/samoyed's kissnet.go (socket
// plumbing) and dns_sd.go (pure-Go brutella/dnssd announcement, no
// system daemon dependency).
type LANLink struct {
	addr wire.Address
	conn *net.UDPConn

	mu    sync.Mutex
	peers map[wire.Address]*net.UDPAddr

	inbound chan []byte
	cancel  context.CancelFunc
}

// NewLANLink opens a UDP socket on listenAddr (host:port) and
// advertises it under serviceName via DNS-SD, the way
// dns_sd_announce does for direwolf's KISS-over-TCP port.
func NewLANLink(addr wire.Address, listenAddr, serviceName string) (*LANLink, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, coreerr.New(coreerr.InvalidArgument, "linklayer", err.Error())
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, coreerr.New(coreerr.SendError, "linklayer", err.Error())
	}
	if err := enableBroadcast(conn); err != nil {
		corelog.Warnf("linklayer", "could not enable SO_BROADCAST: %v", err)
	}

	l := &LANLink{
		addr:    addr,
		conn:    conn,
		peers:   map[wire.Address]*net.UDPAddr{},
		inbound: make(chan []byte, 256),
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.readLoop()
	if err := l.announce(serviceName, udpAddr.Port); err != nil {
		corelog.Warnf("linklayer", "DNS-SD announce failed: %v", err)
	}
	go l.browse(ctx)
	return l, nil
}

// enableBroadcast sets SO_BROADCAST on the UDP socket's underlying
// file descriptor via golang.org/x/sys/unix, reaching past net's
// portable API the way doismellburning/samoyed does for TNC-specific
// socket tuning.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return setErr
}

func (l *LANLink) announce(name string, port int) error {
	cfg := dnssd.Config{ //nolint:exhaustruct
		Name: name,
		Type: dnsSDServiceType,
		Port: port,
		Text: map[string]string{"mnaddr": l.addr.String()},
	}
	sv, err := dnssd.NewService(cfg)
	if err != nil {
		return err
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return err
	}
	if _, err := rp.Add(sv); err != nil {
		return err
	}
	go func() {
		if err := rp.Respond(context.Background()); err != nil {
			corelog.Warnf("linklayer", "DNS-SD responder error: %v", err)
		}
	}()
	return nil
}

// browse resolves peers via DNS-SD; each discovered instance's
// service text record is expected to carry a "mnaddr" key holding its
// wire.Address, hex-encoded, the peer-identity hint this layer needs
// that bare mDNS hostnames don't provide.
func (l *LANLink) browse(ctx context.Context) {
	err := dnssd.LookupType(ctx, dnsSDServiceType, func(e dnssd.BrowseEntry) {
		l.addPeerFromEntry(e)
	}, func(e dnssd.BrowseEntry) {
	})
	if err != nil && ctx.Err() == nil {
		corelog.Warnf("linklayer", "DNS-SD browse error: %v", err)
	}
}

func (l *LANLink) addPeerFromEntry(e dnssd.BrowseEntry) {
	hexAddr, ok := e.Text["mnaddr"]
	if !ok || len(hexAddr) != 2*len(wire.Address{}) {
		return
	}
	var a wire.Address
	for i := range a {
		hi, loA := unhex(hexAddr[2*i]), unhex(hexAddr[2*i+1])
		if hi < 0 || loA < 0 {
			return
		}
		a[i] = byte(hi<<4 | loA)
	}
	if len(e.IPs) == 0 {
		return
	}
	udpAddr := &net.UDPAddr{IP: e.IPs[0], Port: e.Port}
	l.mu.Lock()
	l.peers[a] = udpAddr
	l.mu.Unlock()
	corelog.Infof("linklayer", "discovered peer %x at %s", a, udpAddr)
}

func unhex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

func (l *LANLink) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case l.inbound <- frame:
		default:
			corelog.Warnf("linklayer", "inbound queue full, dropping frame")
		}
	}
}

func (l *LANLink) Address() wire.Address { return l.addr }

func (l *LANLink) Send(dest wire.Address, frame []byte) (int, error) {
	l.mu.Lock()
	peer, ok := l.peers[dest]
	l.mu.Unlock()
	if !ok {
		return 0, coreerr.New(coreerr.SendError, "linklayer", "peer not discovered")
	}
	return l.conn.WriteToUDP(frame, peer)
}

func (l *LANLink) Broadcast(frame []byte) (int, error) {
	l.mu.Lock()
	peers := make([]*net.UDPAddr, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	l.mu.Unlock()
	sent := 0
	for _, p := range peers {
		n, err := l.conn.WriteToUDP(frame, p)
		if err != nil {
			continue
		}
		sent = n
	}
	return sent, nil
}

func (l *LANLink) Inbound() <-chan []byte { return l.inbound }

func (l *LANLink) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	return l.conn.Close()
}
