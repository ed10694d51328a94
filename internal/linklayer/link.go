// Package linklayer provides minios's unreliable datagram transport
// below miniroute: a UDP-like link layer offering send/bcast plus
// inbound frame delivery, with no notion of reliability, ordering,
// addresses beyond the raw wire.Address, or routing.
//
// Two implementations are provided: simlink, an in-process fake with
// tunable loss/duplication for lossy-link tests, and lanlink, a real
// net.UDPConn-backed link with brutella/dnssd peer discovery,
// grounded on doismellburning/samoyed's kissnet.go (TCP/KISS framing
// over a real socket) and dns_sd.go (mDNS service announcement).
package linklayer

import "github.com/minios-project/minios/internal/wire"

// Link is the send(addr, hdr_bytes, hdr, body_bytes, body) ->
// bytes_sent / bcast(...) collaborator, whose completion delivers a
// (buffer, size) struct to the network interrupt handler. The
// header/body split is flattened here to a single frame slice —
// miniroute itself is responsible for having already concatenated
// header and payload before calling Send.
type Link interface {
	// Address is this node's own network address.
	Address() wire.Address

	// Send transmits frame to dest, returning the number of bytes
	// actually sent.
	Send(dest wire.Address, frame []byte) (int, error)

	// Broadcast transmits frame to every reachable peer.
	Broadcast(frame []byte) (int, error)

	// Inbound delivers every frame addressed to this node or
	// broadcast, in arrival order. The network interrupt handler
	// (miniroute's receive loop) is the sole consumer.
	Inbound() <-chan []byte

	// Close releases the link's resources. Pending Inbound frames are
	// discarded.
	Close() error
}
