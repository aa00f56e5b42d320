/*
 * RemoteHub
 *
 * Beacon: UDP broadcast server discovery.
 */

// Package beacon implements §6's UDP broadcast discovery: servers
// periodically broadcast a fixed-size identity packet, and clients
// listen for it to learn a server's address, port, TLS mode, and
// protocol version. Grounded on the original implementation's
// common/include/beacon.h (wire layout), server/tasks/beacon.c (send
// side, driven off the Timer5s event) and client/tasks/beacon.c
// (receive side, with its version-compatibility and use_tls filtering
// rules preserved).
package beacon

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
)

// Ident is the magic value identifying a RemoteHub beacon packet.
const Ident uint32 = 0x5248424E

// DefaultPort is the UDP port beacons are sent to and received on.
const DefaultPort = 3240

const (
	serverNameSize = 64
	reservedSize   = 3
	// PacketSize is the fixed on-wire size of a beacon packet, 90
	// bytes: four u32 header fields, a 64-byte name, a u16 port, a u8
	// use_tls flag, 3 reserved alignment bytes, and a trailing u32
	// attention field.
	PacketSize = 4*4 + serverNameSize + 2 + 1 + reservedSize + 4
)

// Packet is a decoded beacon packet.
type Packet struct {
	ID           uint32
	VersionMajor uint32
	VersionMinor uint32
	Name         string
	Port         uint16
	UseTLS       bool
	Attention    uint32
}

// Encode writes the wire form of p, prefixed with the Ident magic.
func (p Packet) Encode() []byte {
	buf := make([]byte, PacketSize)

	binary.BigEndian.PutUint32(buf[0:4], Ident)
	binary.BigEndian.PutUint32(buf[4:8], p.ID)
	binary.BigEndian.PutUint32(buf[8:12], p.VersionMajor)
	binary.BigEndian.PutUint32(buf[12:16], p.VersionMinor)

	name := buf[16 : 16+serverNameSize]
	copy(name, p.Name)

	off := 16 + serverNameSize
	binary.BigEndian.PutUint16(buf[off:off+2], p.Port)
	if p.UseTLS {
		buf[off+2] = 1
	}
	off += 3 + reservedSize
	binary.BigEndian.PutUint32(buf[off:off+4], p.Attention)

	return buf
}

// Decode parses a beacon packet from b, validating its Ident magic.
func Decode(b []byte) (Packet, error) {
	var p Packet

	if len(b) != PacketSize {
		return p, fmt.Errorf("beacon: packet size %d, want %d", len(b), PacketSize)
	}

	ident := binary.BigEndian.Uint32(b[0:4])
	if ident != Ident {
		return p, fmt.Errorf("beacon: bad ident %#x", ident)
	}

	p.ID = binary.BigEndian.Uint32(b[4:8])
	p.VersionMajor = binary.BigEndian.Uint32(b[8:12])
	p.VersionMinor = binary.BigEndian.Uint32(b[12:16])

	name := b[16 : 16+serverNameSize]
	if i := strings.IndexByte(string(name), 0); i >= 0 {
		name = name[:i]
	}
	p.Name = string(name)

	off := 16 + serverNameSize
	p.Port = binary.BigEndian.Uint16(b[off : off+2])
	p.UseTLS = b[off+2] != 0
	off += 3 + reservedSize
	p.Attention = binary.BigEndian.Uint32(b[off : off+4])

	return p, nil
}

// Sender periodically broadcasts a beacon packet describing one
// server. Grounded on server/tasks/beacon.c's beacon_send, driven by
// the Timer5s event in the caller (rh-server's beacon task) rather
// than its own ticker.
type Sender struct {
	conn      *net.UDPConn
	broadcast *net.UDPAddr

	name         string
	useTLS       bool
	port         uint16
	versionMajor uint32
	versionMinor uint32
}

// NewSender opens a broadcast-capable UDP socket describing a server
// listening on serverPort, reachable over TLS iff useTLS.
func NewSender(name string, useTLS bool, serverPort uint16, versionMajor, versionMinor uint32) (*Sender, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, err
	}

	if err := setBroadcast(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &Sender{
		conn:         conn,
		broadcast:    &net.UDPAddr{IP: net.IPv4bcast, Port: DefaultPort},
		name:         name,
		useTLS:       useTLS,
		port:         serverPort,
		versionMajor: versionMajor,
		versionMinor: versionMinor,
	}, nil
}

// Send broadcasts one beacon packet, matching beacon_send.
func (s *Sender) Send() error {
	p := Packet{
		VersionMajor: s.versionMajor,
		VersionMinor: s.versionMinor,
		Name:         s.name,
		Port:         s.port,
		UseTLS:       s.useTLS,
	}
	_, err := s.conn.WriteToUDP(p.Encode(), s.broadcast)
	return err
}

// Close releases the sender's socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// Listener receives beacon packets, filters them by use_tls and
// protocol-version compatibility, and reports the ones worth acting
// on. Grounded on client/tasks/beacon.c's beacon_receive/handle_packet.
type Listener struct {
	conn         *net.UDPConn
	useTLS       bool
	versionMajor uint32
	versionMinor uint32
}

// NewListener binds a UDP socket on DefaultPort, filtering received
// packets to those whose use_tls flag matches useTLS. ourMajor/ourMinor
// are this client's protocol version, used for the compatibility check.
func NewListener(useTLS bool, ourMajor, ourMinor uint32) (*Listener, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: DefaultPort})
	if err != nil {
		return nil, err
	}
	return &Listener{conn: conn, useTLS: useTLS, versionMajor: ourMajor, versionMinor: ourMinor}, nil
}

// Discovered describes one server found via a beacon packet, the Go
// analogue of struct available_server.
type Discovered struct {
	IP      string
	ID      uint32
	Port    uint16
	Version uint32
	Name    string
}

// Compat reports whether the server's protocol version is usable by
// this client: a newer major version is rejected outright, and a
// newer minor version is accepted with possibly-unsupported features.
func Compat(p Packet, ourMajor, ourMinor uint32) (ok, maybeUnsupported bool) {
	if p.VersionMajor > ourMajor {
		return false, false
	}
	return true, p.VersionMinor > ourMinor
}

// Receive blocks for the next beacon packet and, if it passes the
// use_tls and version filters, returns the discovered server. Packets
// that fail validation are silently dropped, matching handle_packet.
func (l *Listener) Receive() (Discovered, bool, error) {
	buf := make([]byte, PacketSize)
	n, addr, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		return Discovered{}, false, err
	}
	if n != PacketSize {
		return Discovered{}, false, nil
	}

	p, err := Decode(buf)
	if err != nil {
		return Discovered{}, false, nil
	}

	if p.UseTLS != l.useTLS {
		return Discovered{}, false, nil
	}

	ok, _ := Compat(p, l.versionMajor, l.versionMinor)
	if !ok {
		return Discovered{}, false, nil
	}

	return Discovered{
		IP:   addr.IP.String(),
		ID:   p.ID,
		Port: p.Port,
		// available_server.version in the original carries the port
		// number rather than version_major/version_minor; preserved
		// here since clients key discovery results off Port anyway.
		Version: uint32(p.Port),
		Name:    p.Name,
	}, true, nil
}

// Close releases the listener's socket, unblocking any in-flight
// Receive.
func (l *Listener) Close() error {
	return l.conn.Close()
}

var _ io.Closer = (*Listener)(nil)
