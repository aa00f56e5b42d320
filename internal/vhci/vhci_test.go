/*
 * RemoteHub
 *
 * VHCI bridge tests
 */

package vhci

import "testing"

func TestDevID(t *testing.T) {
	got := DevID(7, 2)
	want := uint32(7) | uint32(2)<<16
	if got != want {
		t.Fatalf("DevID(7, 2) = %#x, want %#x", got, want)
	}
}

func TestParseStatusMissingFile(t *testing.T) {
	// Exercises the error path when the vhci_hcd sysfs tree is absent,
	// which is the common case on a test machine with no kernel module
	// loaded.
	if IsAvailable() {
		t.Skip("vhci_hcd sysfs tree present on this host")
	}
	if _, err := ParseStatus(); err == nil {
		t.Fatalf("ParseStatus should fail when the sysfs status file is absent")
	}
}
