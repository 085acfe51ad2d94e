package tracker

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"net/url"
	"testing"
	"time"
)

// fakeUDPTracker answers exactly one connect and one announce request,
// mimicking BEP 15 on loopback.
func fakeUDPTracker(t *testing.T, ip4 [4]byte, port uint16) *net.UDPConn {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}

	go func() {
		buf := make([]byte, maxUDPPacket)
		var connID uint64 = 0xdeadbeefcafebabe

		for i := 0; i < 2; i++ {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pkt := buf[:n]

			action := binary.BigEndian.Uint32(pkt[8:12])
			txID := binary.BigEndian.Uint32(pkt[12:16])

			switch action {
			case actionConnect:
				var resp [16]byte
				binary.BigEndian.PutUint32(resp[0:4], actionConnect)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], connID)
				_, _ = conn.WriteToUDP(resp[:], addr)
			case actionAnnounce:
				resp := make([]byte, 20+6)
				binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 1800) // interval
				binary.BigEndian.PutUint32(resp[12:16], 2)   // leechers
				binary.BigEndian.PutUint32(resp[16:20], 5)   // seeders
				copy(resp[20:24], ip4[:])
				binary.BigEndian.PutUint16(resp[24:26], port)
				_, _ = conn.WriteToUDP(resp, addr)
			}
		}
	}()

	return conn
}

func TestUDPTracker_Announce_ConnectThenAnnounce(t *testing.T) {
	fake := fakeUDPTracker(t, [4]byte{203, 0, 113, 9}, 6881)
	defer fake.Close()

	u, err := url.Parse("udp://" + fake.LocalAddr().String() + "/announce")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}

	ut, err := NewUDPTracker(u, nil)
	if err != nil {
		t.Fatalf("NewUDPTracker: %v", err)
	}
	defer ut.conn.Close()

	var ih, pid [sha1.Size]byte
	copy(ih[:], "infohashinfohashinfo")
	copy(pid[:], "-GB0001-abcdefghijkl")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := ut.Announce(ctx, &AnnounceParams{
		InfoHash: ih,
		PeerID:   pid,
		Port:     6881,
		Event:    EventStarted,
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if resp.Seeders != 5 || resp.Leechers != 2 {
		t.Fatalf("resp = %+v, want Seeders=5 Leechers=2", resp)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].Port() != 6881 {
		t.Fatalf("resp.Peers = %v", resp.Peers)
	}
}

func TestGetTimeout_RespectsContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	timeout, err := getTimeout(ctx, 0)
	if err != nil {
		t.Fatalf("getTimeout: %v", err)
	}
	if timeout > 50*time.Millisecond {
		t.Errorf("timeout = %v, want <= 50ms", timeout)
	}
}

func TestGetTimeout_ExceededDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	if _, err := getTimeout(ctx, 0); err == nil {
		t.Fatal("expected error for already-exceeded deadline")
	}
}
