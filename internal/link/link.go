/*
 * RemoteHub
 *
 * Link: a uniform TCP/TLS transport used for both the control-plane
 * exchange and forwarding-mode traffic.
 */

// Package link implements the Link abstraction of §4.5: a tagged union
// over a plain TCP connection and a TLS-wrapped one, exposing uniform
// send/recv/close/shutdown operations plus send_all/recv_all retry
// loops. It is grounded on the original implementation's
// common/network.c (network_send/recv/send_data/recv_data/close_link/
// shut_link/timeout_set) and on the teacher's listener.go (TCP
// keepalive and loopback filtering) and usbtransport.go (connection
// lifecycle idioms). TLS uses the standard crypto/tls package: no
// example repo in the reference pack imports a third-party TLS
// library, so there is no ecosystem precedent to follow instead.
package link

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

// Kind distinguishes the two transports a Link can wrap.
type Kind int

const (
	Tcp Kind = iota
	Tls
)

func (k Kind) String() string {
	switch k {
	case Tcp:
		return "tcp"
	case Tls:
		return "tls"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by operations attempted on a Link after Close.
var ErrClosed = errors.New("link: use of closed link")

// Link wraps a net.Conn (plain or TLS) behind a single encrypted/
// unencrypted-agnostic API, matching network.c's dispatch-on-encrypted
// design but expressed as a concrete Go type instead of a boolean flag
// threaded through every call.
type Link struct {
	kind Kind
	conn net.Conn
}

// NewTcp wraps an already-connected TCP conn.
func NewTcp(conn net.Conn) *Link {
	return &Link{kind: Tcp, conn: conn}
}

// NewTls wraps an already-connected TLS conn.
func NewTls(conn *tls.Conn) *Link {
	return &Link{kind: Tls, conn: conn}
}

// DialTcp opens a plain TCP connection to addr.
func DialTcp(addr string, timeout time.Duration) (*Link, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return NewTcp(conn), nil
}

// DialTls opens a TLS connection to addr using cfg.
func DialTls(addr string, cfg *tls.Config, timeout time.Duration) (*Link, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	return NewTls(conn), nil
}

// Kind reports whether the Link is plain TCP or TLS.
func (l *Link) Kind() Kind {
	return l.kind
}

// RemoteAddr reports the peer address, used for logging and the
// subscription surface's remote_server field.
func (l *Link) RemoteAddr() string {
	if l.conn == nil {
		return ""
	}
	return l.conn.RemoteAddr().String()
}

// Send writes b in a single operation; it may write fewer bytes than
// len(b), mirroring network_send's single-syscall semantics. Use
// SendAll for a retry-until-complete write.
func (l *Link) Send(b []byte) (int, error) {
	if l.conn == nil {
		return 0, ErrClosed
	}
	return l.conn.Write(b)
}

// Recv reads into b in a single operation, mirroring network_recv.
func (l *Link) Recv(b []byte) (int, error) {
	if l.conn == nil {
		return 0, ErrClosed
	}
	return l.conn.Read(b)
}

// Write implements io.Writer in terms of SendAll, so a Link can be
// handed directly to the usbip package's WriteTo/binary.Write-based
// codecs instead of every caller wrapping it itself.
func (l *Link) Write(b []byte) (int, error) {
	if err := l.SendAll(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read implements io.Reader in terms of Recv, for the same reason as
// Write.
func (l *Link) Read(b []byte) (int, error) {
	return l.Recv(b)
}

// SendAll writes all of b, retrying short writes, mirroring
// network_send_data's loop-until-complete semantics.
func (l *Link) SendAll(b []byte) error {
	if l.conn == nil {
		return ErrClosed
	}
	for len(b) > 0 {
		n, err := l.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// RecvAll reads exactly len(b) bytes into b, retrying short reads,
// mirroring network_recv_data.
func (l *Link) RecvAll(b []byte) error {
	if l.conn == nil {
		return ErrClosed
	}
	_, err := io.ReadFull(l.conn, b)
	return err
}

// SetSendTimeout sets the write deadline, mirroring
// network_send_timeout_seconds_set.
func (l *Link) SetSendTimeout(d time.Duration) error {
	if l.conn == nil {
		return ErrClosed
	}
	if d <= 0 {
		return l.conn.SetWriteDeadline(time.Time{})
	}
	return l.conn.SetWriteDeadline(time.Now().Add(d))
}

// SetRecvTimeout sets the read deadline, mirroring
// network_recv_timeout_seconds_set.
func (l *Link) SetRecvTimeout(d time.Duration) error {
	if l.conn == nil {
		return ErrClosed
	}
	if d <= 0 {
		return l.conn.SetReadDeadline(time.Time{})
	}
	return l.conn.SetReadDeadline(time.Now().Add(d))
}

// Shutdown half-closes the write side, letting the peer observe EOF
// while this end can still drain any trailing reply, mirroring
// network_shut_link. TLS has no half-close primitive, so for a Tls
// Link this closes the connection outright.
func (l *Link) Shutdown() error {
	if l.conn == nil {
		return ErrClosed
	}
	if tc, ok := l.conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return l.Close()
}

// Close closes the underlying connection, mirroring network_close_link.
func (l *Link) Close() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

// applyKeepalive enables TCP keepalive on the underlying connection
// when it is a plain TCP conn, matching the teacher's listener.go
// treatment of accepted connections.
func applyKeepalive(conn net.Conn, period time.Duration) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetKeepAlive(true)
	if period > 0 {
		tc.SetKeepAlivePeriod(period)
	}
}
