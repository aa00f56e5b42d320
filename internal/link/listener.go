package link

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"
)

const keepAlivePeriod = 20 * time.Second

// Listener accepts incoming connections and wraps each one as a Link,
// optionally TLS-terminating it first. Grounded on the teacher's
// listener.go: a single dual-stack net.Listener rather than separate
// IPv4/IPv6 listeners, with per-connection keepalive tuning applied in
// Accept.
type Listener struct {
	inner  net.Listener
	tlsCfg *tls.Config
}

// NewListener opens a TCP listener on port across both address
// families. If tlsCfg is non-nil, every accepted connection is
// TLS-terminated before being handed back as a Link.
func NewListener(port int, tlsCfg *tls.Config) (*Listener, error) {
	nl, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, err
	}
	return &Listener{inner: nl, tlsCfg: tlsCfg}, nil
}

// Addr reports the listening address.
func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.inner.Close()
}

// Accept blocks for the next incoming connection, applies keepalive
// tuning, TLS-terminates it when configured for TLS, and returns it as
// a Link.
func (l *Listener) Accept() (*Link, error) {
	conn, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}

	applyKeepalive(conn, keepAlivePeriod)

	if l.tlsCfg == nil {
		return NewTcp(conn), nil
	}

	tconn := tls.Server(conn, l.tlsCfg)
	return NewTls(tconn), nil
}
