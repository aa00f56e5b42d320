/*
 * RemoteHub
 *
 * Network interface helpers
 */

// Package netutil provides small network-interface helpers, grounded
// on ipp-usb's loopback.go/inet_interface.go. No other package of this
// module imports it.
package netutil

import (
	"errors"
	"fmt"
	"net"
)

// LoopbackIndex returns the interface index of the loopback interface.
func LoopbackIndex() (int, error) {
	interfaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range interfaces {
			if iface.Flags&net.FlagLoopback != 0 {
				return iface.Index, nil
			}
		}
		err = errors.New("not found")
	}

	return 0, fmt.Errorf("loopback discovery: %s", err)
}

// InterfaceIndex resolves a named interface ("all", "loopback", or a
// real interface name) to an index, or -1 for "all interfaces".
func InterfaceIndex(name string) (int, error) {
	switch name {
	case "", "all":
		return -1, nil
	case "lo", "loopback":
		return LoopbackIndex()
	}

	interfaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range interfaces {
			if iface.Name == name {
				return iface.Index, nil
			}
		}
		err = errors.New("not found")
	}

	return 0, fmt.Errorf("interface discovery: %s", err)
}
