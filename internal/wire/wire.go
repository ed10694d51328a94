// Package wire packs and unpacks minios's three on-the-wire header
// formats: the unreliable datagram header, the source-routed miniroute
// header, and the reliable stream header.
//
// original_source/miniroute.c and minimsg.c build these headers as C
// structs handed straight to network_send_pkt as raw bytes; Go has no
// struct-as-bytes overlay it is safe to rely on across architectures,
// so each header gets an explicit byte-order pack/unpack pair in the
// manner of doismellburning/samoyed's ax25_pad2.go, which hand-encodes
// every AX.25 address and control field rather than trusting struct
// layout.
package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// AddressSize is the width of a network_address_t: an 8-byte node
// identifier.
const AddressSize = 8

// Address is minios's fixed-width node identifier.
type Address [AddressSize]byte

// String hex-encodes a, matching the "mnaddr" TXT-record encoding
// linklayer's DNS-SD announce/browse pair uses over the wire.
func (a Address) String() string {
	return fmt.Sprintf("%x", a[:])
}

// ParseAddress decodes a hex string (as produced by Address.String)
// into an Address, for loading addresses out of nodeconfig YAML.
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != 2*AddressSize {
		return a, fmt.Errorf("wire: address %q must be %d hex chars", s, 2*AddressSize)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("wire: invalid address %q: %w", s, err)
	}
	copy(a[:], decoded)
	return a, nil
}

// MaxRouteLength bounds a miniroute header's hop list and is also the
// TTL a DISCOVERY/DATA header starts with.
const MaxRouteLength = 10

// Protocol byte values distinguishing a miniroute payload's inner
// protocol.
const (
	ProtocolDatagram byte = 1
	ProtocolStream   byte = 2
)

// Packet types for the miniroute header.
const (
	PacketData      byte = 0
	PacketDiscovery byte = 1
	PacketReply     byte = 2
)

// Stream message types.
const (
	MsgData byte = iota
	MsgSyn
	MsgSynAck
	MsgAck
	MsgFin
)

// RouteHeader is the source-routed miniroute header:
//
//	1 byte packet type
//	8 bytes final destination
//	4 bytes discovery id
//	4 bytes TTL
//	4 bytes path length
//	path_length * 8 bytes of hop addresses
type RouteHeader struct {
	Type        byte
	Destination Address
	DiscoveryID uint32
	TTL         uint32
	Path        []Address
}

// Size returns the packed size of h, including its variable-length
// hop list.
func (h *RouteHeader) Size() int {
	return 1 + AddressSize + 4 + 4 + 4 + len(h.Path)*AddressSize
}

// PackRouteHeader serializes h in network byte order.
func PackRouteHeader(h *RouteHeader) ([]byte, error) {
	if len(h.Path) > MaxRouteLength {
		return nil, fmt.Errorf("wire: path length %d exceeds MaxRouteLength", len(h.Path))
	}
	buf := make([]byte, h.Size())
	buf[0] = h.Type
	copy(buf[1:1+AddressSize], h.Destination[:])
	off := 1 + AddressSize
	binary.BigEndian.PutUint32(buf[off:], h.DiscoveryID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], h.TTL)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(h.Path)))
	off += 4
	for _, a := range h.Path {
		copy(buf[off:off+AddressSize], a[:])
		off += AddressSize
	}
	return buf, nil
}

// UnpackRouteHeader parses a RouteHeader from the front of buf and
// returns the number of bytes consumed.
func UnpackRouteHeader(buf []byte) (*RouteHeader, int, error) {
	const fixed = 1 + AddressSize + 4 + 4 + 4
	if len(buf) < fixed {
		return nil, 0, fmt.Errorf("wire: route header truncated: have %d bytes, need %d", len(buf), fixed)
	}
	h := &RouteHeader{Type: buf[0]}
	copy(h.Destination[:], buf[1:1+AddressSize])
	off := 1 + AddressSize
	h.DiscoveryID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.TTL = binary.BigEndian.Uint32(buf[off:])
	off += 4
	pathLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if pathLen > MaxRouteLength {
		return nil, 0, fmt.Errorf("wire: path length %d exceeds MaxRouteLength", pathLen)
	}
	need := off + int(pathLen)*AddressSize
	if len(buf) < need {
		return nil, 0, fmt.Errorf("wire: route header path truncated: have %d bytes, need %d", len(buf), need)
	}
	h.Path = make([]Address, pathLen)
	for i := range h.Path {
		copy(h.Path[i][:], buf[off:off+AddressSize])
		off += AddressSize
	}
	return h, off, nil
}

// DatagramHeaderSize is the packed size of a DatagramHeader.
const DatagramHeaderSize = 1 + AddressSize + 2 + AddressSize + 2

// DatagramHeader is the unreliable datagram protocol header.
type DatagramHeader struct {
	SrcAddr Address
	SrcPort uint16
	DstAddr Address
	DstPort uint16
}

// PackDatagramHeader serializes h, prefixed with the MINIDATAGRAM
// protocol byte.
func PackDatagramHeader(h *DatagramHeader) []byte {
	buf := make([]byte, DatagramHeaderSize)
	buf[0] = ProtocolDatagram
	off := 1
	copy(buf[off:off+AddressSize], h.SrcAddr[:])
	off += AddressSize
	binary.BigEndian.PutUint16(buf[off:], h.SrcPort)
	off += 2
	copy(buf[off:off+AddressSize], h.DstAddr[:])
	off += AddressSize
	binary.BigEndian.PutUint16(buf[off:], h.DstPort)
	return buf
}

// UnpackDatagramHeader parses a DatagramHeader, verifying the leading
// protocol byte. It returns the number of bytes consumed.
func UnpackDatagramHeader(buf []byte) (*DatagramHeader, int, error) {
	if len(buf) < DatagramHeaderSize {
		return nil, 0, fmt.Errorf("wire: datagram header truncated: have %d bytes, need %d", len(buf), DatagramHeaderSize)
	}
	if buf[0] != ProtocolDatagram {
		return nil, 0, fmt.Errorf("wire: datagram header protocol mismatch: got %d, want %d", buf[0], ProtocolDatagram)
	}
	h := &DatagramHeader{}
	off := 1
	copy(h.SrcAddr[:], buf[off:off+AddressSize])
	off += AddressSize
	h.SrcPort = binary.BigEndian.Uint16(buf[off:])
	off += 2
	copy(h.DstAddr[:], buf[off:off+AddressSize])
	off += AddressSize
	h.DstPort = binary.BigEndian.Uint16(buf[off:])
	off += 2
	return h, off, nil
}

// StreamHeaderSize is the packed size of a StreamHeader.
const StreamHeaderSize = 1 + AddressSize + 2 + AddressSize + 2 + 1 + 4 + 4

// StreamHeader is the reliable stream protocol header.
type StreamHeader struct {
	SrcAddr Address
	SrcPort uint16
	DstAddr Address
	DstPort uint16
	MsgType byte
	Seq     uint32
	Ack     uint32
}

// PackStreamHeader serializes h, prefixed with the MINISTREAM
// protocol byte.
func PackStreamHeader(h *StreamHeader) []byte {
	buf := make([]byte, StreamHeaderSize)
	buf[0] = ProtocolStream
	off := 1
	copy(buf[off:off+AddressSize], h.SrcAddr[:])
	off += AddressSize
	binary.BigEndian.PutUint16(buf[off:], h.SrcPort)
	off += 2
	copy(buf[off:off+AddressSize], h.DstAddr[:])
	off += AddressSize
	binary.BigEndian.PutUint16(buf[off:], h.DstPort)
	off += 2
	buf[off] = h.MsgType
	off++
	binary.BigEndian.PutUint32(buf[off:], h.Seq)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], h.Ack)
	return buf
}

// UnpackStreamHeader parses a StreamHeader, verifying the leading
// protocol byte. It returns the number of bytes consumed.
func UnpackStreamHeader(buf []byte) (*StreamHeader, int, error) {
	if len(buf) < StreamHeaderSize {
		return nil, 0, fmt.Errorf("wire: stream header truncated: have %d bytes, need %d", len(buf), StreamHeaderSize)
	}
	if buf[0] != ProtocolStream {
		return nil, 0, fmt.Errorf("wire: stream header protocol mismatch: got %d, want %d", buf[0], ProtocolStream)
	}
	h := &StreamHeader{}
	off := 1
	copy(h.SrcAddr[:], buf[off:off+AddressSize])
	off += AddressSize
	h.SrcPort = binary.BigEndian.Uint16(buf[off:])
	off += 2
	copy(h.DstAddr[:], buf[off:off+AddressSize])
	off += AddressSize
	h.DstPort = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.MsgType = buf[off]
	off++
	h.Seq = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.Ack = binary.BigEndian.Uint32(buf[off:])
	off += 4
	return h, off, nil
}
