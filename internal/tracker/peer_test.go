package tracker

import (
	"encoding/binary"
	"net/netip"
	"testing"
)

func TestDecodeCompact_IPv4(t *testing.T) {
	data := make([]byte, 12)
	copy(data[0:4], []byte{192, 168, 1, 1})
	binary.BigEndian.PutUint16(data[4:6], 6881)
	copy(data[6:10], []byte{10, 0, 0, 2})
	binary.BigEndian.PutUint16(data[10:12], 51413)

	peers, err := decodeCompact(data, false)
	if err != nil {
		t.Fatalf("decodeCompact: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}

	want0 := netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 168, 1, 1}), 6881)
	if peers[0] != want0 {
		t.Errorf("peers[0] = %v, want %v", peers[0], want0)
	}
	want1 := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, 2}), 51413)
	if peers[1] != want1 {
		t.Errorf("peers[1] = %v, want %v", peers[1], want1)
	}
}

func TestDecodeCompact_BadLength(t *testing.T) {
	if _, err := decodeCompact([]byte{1, 2, 3}, false); err == nil {
		t.Fatal("expected error for non-multiple-of-stride length")
	}
}

func TestDecodeCompact_IPv6(t *testing.T) {
	data := make([]byte, strideV6)
	addr := netip.MustParseAddr("2001:db8::1")
	a16 := addr.As16()
	copy(data[0:16], a16[:])
	binary.BigEndian.PutUint16(data[16:18], 6881)

	peers, err := decodeCompact(data, true)
	if err != nil {
		t.Fatalf("decodeCompact: %v", err)
	}
	if len(peers) != 1 || peers[0].Addr() != addr || peers[0].Port() != 6881 {
		t.Fatalf("peers = %v, want [%v:6881]", peers, addr)
	}
}

func TestDecodePeers_DictForm(t *testing.T) {
	list := []any{
		map[string]any{"ip": "203.0.113.5", "port": int64(6881)},
	}
	peers, err := decodePeers(list, false)
	if err != nil {
		t.Fatalf("decodePeers: %v", err)
	}
	want := netip.AddrPortFrom(netip.MustParseAddr("203.0.113.5"), 6881)
	if len(peers) != 1 || peers[0] != want {
		t.Fatalf("peers = %v, want [%v]", peers, want)
	}
}

func TestDecodePeers_DictForm_BadPort(t *testing.T) {
	list := []any{
		map[string]any{"ip": "203.0.113.5", "port": int64(700000)},
	}
	if _, err := decodePeers(list, false); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestDecodePeers_UnsupportedType(t *testing.T) {
	if _, err := decodePeers(42, false); err == nil {
		t.Fatal("expected error for unsupported peers type")
	}
}
