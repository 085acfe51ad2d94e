// Package conn implements the per-peer connection actor: a state machine
// that goes Handshaking -> Fetching|Seeding -> Closed for one TCP
// connection, either outbound (from the announce loop) or inbound (from
// the listener).
package conn

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/nullstream/gobit/internal/fileset"
	"github.com/nullstream/gobit/internal/hasher"
	"github.com/nullstream/gobit/internal/meta"
	"github.com/nullstream/gobit/internal/parser"
	"github.com/nullstream/gobit/internal/piecemap"
	"github.com/nullstream/gobit/internal/wire"
)

// Deps bundles every shared component a connection actor needs, handed in
// by the swarm controller.
type Deps struct {
	Metainfo    *meta.Metainfo
	Pieces      *piecemap.Map
	Files       *fileset.Set
	Hasher      *hasher.Pool
	Parser      *parser.Pool
	PeerID      [sha1.Size]byte
	SeedCounter *atomic.Uint64
	Log         *slog.Logger
	DialTimeout time.Duration
	HSTimeout   time.Duration
	OwnPort     uint16
}

// Conn is one peer connection actor.
type Conn struct {
	deps Deps
	nc   net.Conn
	addr netip.AddrPort
	log  *slog.Logger
}

// DialAndRun connects to addr, performs the handshake, and runs the actor
// until it reaches Closed. Self-loops (addr.Port() == deps.OwnPort) are the
// caller's responsibility to filter before calling this.
func DialAndRun(ctx context.Context, addr netip.AddrPort, deps Deps, shuttingDown func() bool) error {
	nc, err := net.DialTimeout("tcp", addr.String(), deps.DialTimeout)
	if err != nil {
		return fmt.Errorf("conn: dial %s: %w", addr, err)
	}

	c := &Conn{deps: deps, nc: nc, addr: addr, log: deps.Log.With("peer", addr)}
	return c.run(ctx, true, shuttingDown)
}

// AcceptAndRun performs the handshake side as the peer who received the TCP
// connection and runs the actor until it reaches Closed.
func AcceptAndRun(ctx context.Context, nc net.Conn, deps Deps, shuttingDown func() bool) error {
	addr := netip.AddrPort{}
	if tcpAddr, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		if a, ok2 := netip.AddrFromSlice(tcpAddr.IP); ok2 {
			addr = netip.AddrPortFrom(a, uint16(tcpAddr.Port))
		}
	}

	c := &Conn{deps: deps, nc: nc, addr: addr, log: deps.Log.With("peer", addr)}
	return c.run(ctx, false, shuttingDown)
}

func (c *Conn) run(ctx context.Context, verifyInfoHash bool, shuttingDown func() bool) error {
	defer c.nc.Close()

	if err := c.handshake(verifyInfoHash); err != nil {
		c.log.Debug("handshake failed", "error", err.Error())
		return err
	}

	if c.deps.Pieces.IsComplete() {
		return c.seed(ctx)
	}

	fetchErr := c.fetch(ctx, shuttingDown)
	if fetchErr != nil {
		c.log.Debug("fetch ended", "error", fetchErr.Error())
	}

	// Regardless of outcome, or of global completion, this actor is still
	// useful to other peers: it transitions to seeding.
	return c.seed(ctx)
}

func (c *Conn) handshake(verifyInfoHash bool) error {
	if c.deps.HSTimeout > 0 {
		_ = c.nc.SetDeadline(time.Now().Add(c.deps.HSTimeout))
		defer c.nc.SetDeadline(time.Time{})
	}

	local := wire.NewHandshake(c.deps.Metainfo.InfoHash, c.deps.PeerID)
	_, err := wire.Exchange(c.nc, local, verifyInfoHash)
	return err
}

// subpieceLayout returns the number of sub-pieces and the size of the
// final one for a piece of pieceLen bytes, per §4.6: floor(remainder/BLOCK) +
// (1 if remainder%BLOCK else 0).
func subpieceLayout(pieceLen int64, block int64) (n int, lastSize int64) {
	n = int(pieceLen / block)
	rem := pieceLen % block
	if rem != 0 {
		n++
		lastSize = rem
	} else {
		lastSize = block
	}
	return n, lastSize
}

const blockSize = 16384

func (c *Conn) fetch(ctx context.Context, shuttingDown func() bool) error {
	for {
		idx, ok := c.deps.Pieces.ReserveEmpty(shuttingDown)
		if !ok {
			return nil
		}

		if err := c.fetchPiece(ctx, idx); err != nil {
			c.deps.Pieces.Release(idx)
			return err
		}
	}
}

func (c *Conn) fetchPiece(ctx context.Context, idx int) error {
	pieceLen := c.deps.Metainfo.PieceLen(idx)
	numSub, lastSize := subpieceLayout(pieceLen, blockSize)

	for sub := 0; sub < numSub; sub++ {
		begin := int64(sub) * blockSize
		length := int64(blockSize)
		if sub == numSub-1 {
			length = lastSize
		}
		req := wire.MessageRequest(uint32(idx), uint32(begin), uint32(length))
		if err := wire.WriteMessage(c.nc, req); err != nil {
			return fmt.Errorf("conn: send request: %w", err)
		}
	}

	result := make(chan parser.Result, 1)
	item := &parser.Item{
		Conn:             c.nc,
		PieceIndex:       idx,
		SubpieceSize:     blockSize,
		NumSubpieces:     numSub,
		LastSubpieceSize: lastSize,
		Result:           result,
	}
	if err := c.deps.Parser.Submit(ctx, item); err != nil {
		return err
	}

	select {
	case res := <-result:
		if res.Err != nil {
			return res.Err
		}
		return c.deps.Hasher.Submit(ctx, res.Bundle)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) seed(ctx context.Context) error {
	requests := make(chan *wire.Message, 8)
	result := make(chan parser.Result, 1)
	item := &parser.Item{
		Conn:       c.nc,
		RequestOut: requests,
		Result:     result,
	}
	if err := c.deps.Parser.Submit(ctx, item); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res := <-result:
			return res.Err

		case req := <-requests:
			idx, begin, length, ok := req.ParseRequest()
			if !ok {
				continue
			}
			if err := c.fulfill(int(idx), int64(begin), int64(length)); err != nil {
				return err
			}
		}
	}
}

// fulfill reads length bytes at (index, begin) from the file set and
// writes them back as a PIECE reply, silently ignoring requests for
// out-of-range or not-yet-complete pieces.
func (c *Conn) fulfill(index int, begin, length int64) error {
	if index < 0 || index >= c.deps.Pieces.Len() || c.deps.Pieces.State(index) != piecemap.Complete {
		return nil
	}

	payload := make([]byte, length)
	if err := c.deps.Files.ReadBlock(index, begin, payload); err != nil {
		return fmt.Errorf("conn: read block for seed reply: %w", err)
	}

	msg := wire.MessagePiece(uint32(index), uint32(begin), payload)
	if err := wire.WriteMessage(c.nc, msg); err != nil {
		return fmt.Errorf("conn: write piece reply: %w", err)
	}
	if c.deps.SeedCounter != nil {
		c.deps.SeedCounter.Add(1)
	}
	return nil
}
