/*
 * RemoteHub
 *
 * Control socket: status introspection over a Unix domain socket
 */

// Package ctrlsock implements the supplemented status introspection
// surface of SPEC_FULL.md §D: a tiny HTTP server running on top of a
// Unix domain socket, queried by "rh-server status"/"rh-client status"
// against an already-running daemon. Grounded on the teacher's
// ctrlsock.go (HTTP-over-Unix-socket shape, GET /status handler) and
// status.go (StatusRetrieve/StatusFormat split between the querying
// and the running process), generalized so both rh-server and
// rh-client can reuse it against their own socket path and status
// provider instead of the teacher's single global statusTable.
package ctrlsock

import (
	"errors"
	"fmt"
	"io/ioutil"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/jlaitinen/remotehub/internal/rhlog"
)

// ErrNoDaemon is returned by Dial/Retrieve when no daemon is listening
// on the socket, the Go analogue of the teacher's ErrNoIppUsb.
var ErrNoDaemon = errors.New("ctrlsock: no daemon is running")

// ErrAccess is returned by Dial/Retrieve when the socket exists but
// this process lacks permission to connect to it.
var ErrAccess = errors.New("ctrlsock: permission denied")

// StatusProvider renders the current process status as plain text, to
// be returned to whoever queries the control socket.
type StatusProvider func() []byte

// Server is the status HTTP server listening on a Unix socket.
type Server struct {
	path     string
	inner    http.Server
	listener net.Listener
	log      *rhlog.Logger
}

// Start removes any stale socket at path, listens on it world-writable
// (matching the teacher's chmod 0777, since any local user may query
// status), and serves handler on top of it.
func Start(path string, handler http.Handler, log *rhlog.Logger) (*Server, error) {
	os.Remove(path)

	addr := &net.UnixAddr{Name: path, Net: "unix"}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("ctrlsock: listen: %w", err)
	}

	os.Chmod(path, 0777)

	s := &Server{path: path, listener: ln, log: log}
	s.inner = http.Server{
		Handler:  handler,
		ErrorLog: stdlog.New(logWriter{log}, "", 0),
	}

	s.trace("ctrlsock: listening at %q", path)
	go s.inner.Serve(ln)

	return s, nil
}

// StatusHandler builds an http.Handler serving GET /status from
// provider, for a daemon whose control socket has no other routes.
func StatusHandler(provider StatusProvider) http.Handler {
	return newHandler(provider)
}

// Stop closes the listener and shuts down the HTTP server.
func (s *Server) Stop() {
	s.trace("ctrlsock: shutdown")
	s.inner.Close()
	os.Remove(s.path)
}

func (s *Server) trace(format string, args ...interface{}) {
	if s.log == nil {
		return
	}
	s.log.Begin().Debug(' ', format, args...).Commit()
}

// newHandler binds provider into the /status HTTP handler.
func newHandler(provider StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, r.Method+": method not supported", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/status" {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write(provider())
	}
}

// logWriter adapts a *rhlog.Logger to io.Writer for http.Server's
// ErrorLog.
type logWriter struct{ log *rhlog.Logger }

func (w logWriter) Write(b []byte) (int, error) {
	if w.log != nil {
		w.log.Begin().Error('!', "%s", b).Commit()
	}
	return len(b), nil
}

// Dial connects to the control socket at path, mapping connection
// refusal to ErrNoDaemon and permission errors to ErrAccess, the Go
// analogue of CtrlsockDial's syscall-error translation.
func Dial(path string) (net.Conn, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err == nil {
		return conn, nil
	}

	var operr *net.OpError
	if errors.As(err, &operr) {
		if syserr, ok := operr.Err.(*os.SyscallError); ok {
			switch syserr.Err {
			case syscall.ECONNREFUSED, syscall.ENOENT:
				return nil, ErrNoDaemon
			case syscall.EACCES, syscall.EPERM:
				return nil, ErrAccess
			}
		}
	}

	return nil, err
}

// Query connects to the control socket at path and fetches urlPath
// (e.g. "/status?foo=bar") from the running daemon.
func Query(path, urlPath string) ([]byte, error) {
	t := &http.Transport{
		Dial: func(network, addr string) (net.Conn, error) {
			return Dial(path)
		},
	}
	c := &http.Client{Transport: t}

	rsp, err := c.Get("http://localhost" + urlPath)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	body, err := ioutil.ReadAll(rsp.Body)
	if err != nil {
		return nil, err
	}
	if rsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ctrlsock: %s: %s", urlPath, body)
	}
	return body, nil
}

// Retrieve connects to the control socket at path and fetches the
// running daemon's status text.
func Retrieve(path string) ([]byte, error) {
	return Query(path, "/status")
}
