/*
 * RemoteHub
 *
 * mDNS presence announce tests
 */

package dnssd

import (
	"reflect"
	"testing"
)

func TestTxtRecordExport(t *testing.T) {
	txt := txtRecord{{Key: "name", Value: "workshop-server"}, {Key: "port", Value: "3240"}}

	got := txt.export()
	want := [][]byte{[]byte("name=workshop-server"), []byte("port=3240")}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("export() = %v, want %v", got, want)
	}
}

func TestUnpublishNilAnnouncerIsNoop(t *testing.T) {
	var a *Announcer
	a.Unpublish() // must not panic
}
