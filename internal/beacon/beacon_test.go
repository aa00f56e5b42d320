package beacon

import "testing"

func TestPacketRoundTrip(t *testing.T) {
	p := Packet{
		ID:           42,
		VersionMajor: 1,
		VersionMinor: 2,
		Name:         "rh-server-1",
		Port:         3241,
		UseTLS:       true,
		Attention:    0,
	}

	buf := p.Encode()
	if len(buf) != PacketSize {
		t.Fatalf("encoded size = %d, want %d", len(buf), PacketSize)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %s", err)
	}

	if got != p {
		t.Errorf("round-trip mismatch:\n got: %+v\nwant: %+v", got, p)
	}
}

func TestDecodeRejectsBadIdent(t *testing.T) {
	buf := make([]byte, PacketSize)
	if _, err := Decode(buf); err == nil {
		t.Error("expected error for zeroed buffer with no ident")
	}
}

func TestDecodeRejectsWrongSize(t *testing.T) {
	if _, err := Decode(make([]byte, PacketSize-1)); err == nil {
		t.Error("expected error for short buffer")
	}
}

func TestCompatRejectsNewerMajor(t *testing.T) {
	p := Packet{VersionMajor: 2, VersionMinor: 0}
	ok, _ := Compat(p, 1, 0)
	if ok {
		t.Error("expected incompatible for newer major version")
	}
}

func TestCompatAcceptsNewerMinor(t *testing.T) {
	p := Packet{VersionMajor: 1, VersionMinor: 5}
	ok, maybeUnsupported := Compat(p, 1, 0)
	if !ok {
		t.Error("expected compatible for newer minor version")
	}
	if !maybeUnsupported {
		t.Error("expected maybeUnsupported flag for newer minor version")
	}
}
