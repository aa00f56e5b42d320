/*
 * RemoteHub
 *
 * Optional mDNS presence announce
 */

// Package dnssd implements the supplemental mDNS presence announce
// described in SPEC_FULL.md §B: a best-effort, off-by-default
// broadcast of the server's existence over Avahi/D-Bus, alongside
// (never instead of) the mandatory UDP beacon in internal/beacon.
// Grounded on the teacher's dnssd.go/dnssd_avahi.go for the
// system-independent/system-dependent split and the TXT-record
// builder idiom, but reimplemented against the D-Bus-based
// github.com/holoplot/go-avahi client instead of the teacher's raw
// cgo libavahi-client bindings, since a failure here must never be
// fatal to the server process and a D-Bus call that fails cleanly
// returns a plain Go error instead of requiring a C thread-poll
// teardown dance.
package dnssd

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	avahi "github.com/holoplot/go-avahi"

	"github.com/jlaitinen/remotehub/internal/rhlog"
)

// ServiceType is the DNS-SD service type RemoteHub servers announce
// themselves under.
const ServiceType = "_remotehub._tcp"

// TxtItem is one key=value pair carried in the service's TXT record.
type TxtItem struct {
	Key, Value string
}

type txtRecord []TxtItem

func (items txtRecord) export() [][]byte {
	out := make([][]byte, 0, len(items))
	for _, it := range items {
		out = append(out, []byte(it.Key+"="+it.Value))
	}
	return out
}

// Announcer publishes the server's presence over mDNS. Unpublish
// tears it down; the zero value is inert.
type Announcer struct {
	log   *rhlog.Logger
	conn  *dbus.Conn
	group *avahi.EntryGroup
}

// Announce publishes one "_remotehub._tcp" service instance named
// name on port, advertising serverName via the TXT record. Any
// failure is returned to the caller, who is expected to log and
// continue -- per SPEC_FULL.md's "never fatal" contract, the caller
// is the one place that decides whether to surface it.
func Announce(name string, port int, serverName string, log *rhlog.Logger) (*Announcer, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("dnssd: connect to system bus: %w", err)
	}

	server, err := avahi.ServerNew(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dnssd: avahi server: %w", err)
	}

	group, err := server.EntryGroupNew()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dnssd: entry group: %w", err)
	}

	txt := txtRecord{{Key: "name", Value: serverName}}

	err = group.AddService(
		avahi.InterfaceUnspec,
		avahi.ProtoUnspec,
		0,
		name,
		ServiceType,
		"",
		"",
		uint16(port),
		txt.export(),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dnssd: add service: %w", err)
	}

	if err := group.Commit(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dnssd: commit: %w", err)
	}

	a := &Announcer{log: log, conn: conn, group: group}
	a.trace("dnssd: announcing %q as %s on port %d", name, ServiceType, port)

	return a, nil
}

// Unpublish resets the entry group and closes the D-Bus connection.
func (a *Announcer) Unpublish() {
	if a == nil || a.conn == nil {
		return
	}
	if a.group != nil {
		a.group.Reset()
	}
	a.conn.Close()
	a.trace("dnssd: unpublished")
}

func (a *Announcer) trace(format string, args ...interface{}) {
	if a.log == nil {
		return
	}
	a.log.Begin().Debug('d', format, args...).Commit()
}
