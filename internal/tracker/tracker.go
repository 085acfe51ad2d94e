// Package tracker implements the two tracker announce protocols BEP 3
// (HTTP) and BEP 15 (UDP) behind one interface. gobit resolves exactly one
// announce endpoint at metainfo parse time (internal/meta); there is no
// multi-tracker tier fallback here, unlike a full client.
package tracker

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"time"
)

// AnnounceParams is everything an announce call reports about this client's
// state.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Port       uint16
	NumWant    uint32
}

// AnnounceResponse is the tracker's reply.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int64
	Leechers    int64
	Peers       []netip.AddrPort
}

// Event is the BitTorrent announce event field.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// Protocol is the capability both the HTTP and UDP trackers implement.
type Protocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

// New resolves rawURL's scheme to a concrete tracker client.
func New(rawURL string, log *slog.Logger) (Protocol, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parse announce url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return NewHTTPTracker(u, log)
	case "udp":
		return NewUDPTracker(u, log)
	default:
		return nil, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
}
