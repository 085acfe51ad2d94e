// Package swarm owns the whole-torrent lifecycle: opening the file set,
// running the resume pass, starting the worker pools, accepting inbound
// connections, driving the announce loop, and deciding when the download
// is finished.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nullstream/gobit/internal/config"
	"github.com/nullstream/gobit/internal/conn"
	"github.com/nullstream/gobit/internal/fileset"
	"github.com/nullstream/gobit/internal/hasher"
	"github.com/nullstream/gobit/internal/meta"
	"github.com/nullstream/gobit/internal/parser"
	"github.com/nullstream/gobit/internal/piecemap"
	"github.com/nullstream/gobit/internal/resume"
	"github.com/nullstream/gobit/internal/tracker"
	"github.com/nullstream/gobit/pkg/retry"
)

// Controller runs one torrent download end to end.
type Controller struct {
	cfg      *config.Config
	mi       *meta.Metainfo
	log      *slog.Logger
	files    *fileset.Set
	pieces   *piecemap.Map
	hasherP  *hasher.Pool
	parserP  *parser.Pool
	tr       tracker.Protocol
	seedCtr  atomic.Uint64
	ownPort  atomic.Uint32
	shutdown atomic.Bool
}

// New opens the file set for mi under cfg.DownloadDir and allocates an
// all-EMPTY piece map, without starting any worker pools or network
// activity yet.
func New(mi *meta.Metainfo, cfg *config.Config, log *slog.Logger) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("torrent", mi.Info.Name)

	files, err := fileset.Open(mi, cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("swarm: open files: %w", err)
	}

	pieces := piecemap.New(mi.NumPieces())

	tr, err := tracker.New(mi.Announce, log)
	if err != nil {
		files.Close()
		return nil, fmt.Errorf("swarm: resolve tracker: %w", err)
	}

	return &Controller{
		cfg:     cfg,
		mi:      mi,
		log:     log,
		files:   files,
		pieces:  pieces,
		hasherP: hasher.New(mi, files, pieces, cfg.HasherQueueSize, log),
		parserP: parser.New(cfg.ParserQueueSize, log),
		tr:      tr,
	}, nil
}

// Run executes the full lifecycle (§4.7) and blocks until the download
// completes or ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	defer c.files.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.hasherP.Run(gctx, c.cfg.HasherWorkers) })
	g.Go(func() error { return c.parserP.Run(gctx, c.cfg.ParserWorkers) })

	if err := resume.Run(ctx, c.mi, c.files, c.hasherP); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("swarm: resume pass: %w", err)
	}
	c.log.Info("resume pass complete", "completed", c.pieces.CompletedCount(), "total", c.pieces.Len())

	listener, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("swarm: listen: %w", err)
	}
	defer listener.Close()

	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	c.ownPort.Store(uint32(port))
	c.log.Info("listening", "port", port)

	g.Go(func() error { return c.acceptLoop(gctx, listener) })
	g.Go(func() error { return c.announceLoop(gctx, port) })
	g.Go(func() error { return c.progressLoop(gctx) })
	g.Go(func() error { return c.completionWatcher(gctx, cancel) })

	return g.Wait()
}

func (c *Controller) deps() conn.Deps {
	return conn.Deps{
		Metainfo:    c.mi,
		Pieces:      c.pieces,
		Files:       c.files,
		Hasher:      c.hasherP,
		Parser:      c.parserP,
		PeerID:      c.cfg.PeerID,
		SeedCounter: &c.seedCtr,
		Log:         c.log,
		DialTimeout: c.cfg.DialTimeout,
		HSTimeout:   c.cfg.HandshakeTimeout,
		OwnPort:     uint16(c.ownPort.Load()),
	}
}

func (c *Controller) isShuttingDown() bool { return c.shutdown.Load() }

func (c *Controller) acceptLoop(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	sem := make(chan struct{}, c.cfg.MaxInboundPeers)

	for {
		nc, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("swarm: accept: %w", err)
		}

		select {
		case sem <- struct{}{}:
		default:
			nc.Close()
			continue
		}

		go func() {
			defer func() { <-sem }()
			if err := conn.AcceptAndRun(ctx, nc, c.deps(), c.isShuttingDown); err != nil {
				c.log.Debug("inbound connection ended", "error", err.Error())
			}
		}()
	}
}

func (c *Controller) announceLoop(ctx context.Context, port uint16) error {
	announce := func(event tracker.Event) (*tracker.AnnounceResponse, error) {
		params := &tracker.AnnounceParams{
			InfoHash: c.mi.InfoHash,
			PeerID:   c.cfg.PeerID,
			Event:    event,
			Port:     port,
			NumWant:  50,
			Left:     c.remaining(),
		}

		actx, acancel := context.WithTimeout(ctx, c.cfg.AnnounceTimeout)
		defer acancel()
		return c.tr.Announce(actx, params)
	}

	handle := func(resp *tracker.AnnounceResponse, err error) {
		if err != nil {
			c.log.Warn("announce failed", "error", err.Error())
			return
		}
		c.log.Info("announce ok", "peers", len(resp.Peers), "seeders", resp.Seeders, "leechers", resp.Leechers)
		for _, addr := range resp.Peers {
			c.dialPeer(ctx, addr, port)
		}
	}

	// The very first announce is this client's only way to discover any
	// peer at all; retry it with backoff rather than waiting a full
	// ANNOUNCE_INTERVAL on a tracker that is merely slow to come up.
	var first *tracker.AnnounceResponse
	err := retry.Do(ctx, func(ctx context.Context) error {
		resp, err := announce(tracker.EventStarted)
		if err != nil {
			return err
		}
		first = resp
		return nil
	}, append(retry.WithExponentialBackoff(4, time.Second, 15*time.Second), retry.WithOnRetry(
		func(attempt int, err error, next time.Duration) {
			c.log.Warn("initial announce failed, retrying", "attempt", attempt, "error", err.Error(), "next", next)
		},
	))...)
	handle(first, err)

	ticker := time.NewTicker(config.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			handle(announce(tracker.EventNone))
		}
	}
}

func (c *Controller) dialPeer(ctx context.Context, addr netip.AddrPort, ownPort uint16) {
	if addr.Port() == ownPort {
		return
	}

	go func() {
		if err := conn.DialAndRun(ctx, addr, c.deps(), c.isShuttingDown); err != nil {
			c.log.Debug("outbound connection ended", "peer", addr, "error", err.Error())
		}
	}()
}

func (c *Controller) remaining() uint64 {
	total := c.mi.TotalLength()
	doneBytes := int64(0)
	for i := 0; i < c.pieces.Len(); i++ {
		if c.pieces.State(i) == piecemap.Complete {
			doneBytes += c.mi.PieceLen(i)
		}
	}
	left := total - doneBytes
	if left < 0 {
		return 0
	}
	return uint64(left)
}

func (c *Controller) progressLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.log.Info("progress",
				"pieces_complete", c.pieces.CompletedCount(),
				"pieces_total", c.pieces.Len(),
				"blocks_seeded", c.seedCtr.Load(),
			)
		}
	}
}

// completionWatcher implements the termination condition of §4.7:
// seeded_blocks / blocks_per_piece >= num_pieces (round up), i.e. the
// blocks this client has served, counted in pieces' worth of blocks (a
// partial piece's worth counts as one), reach the torrent's piece count.
// It polls rather than blocking on a condition
// variable because the seed counter is updated from many connection
// actor goroutines with no single wakeup point to block on.
func (c *Controller) completionWatcher(ctx context.Context, cancel context.CancelFunc) error {
	blocksPerPiece := blocksPerPiece(c.mi.Info.PieceLength)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			seededPieces := (c.seedCtr.Load() + uint64(blocksPerPiece) - 1) / uint64(blocksPerPiece)
			if seededPieces >= uint64(c.pieces.Len()) {
				c.log.Info("download complete, shutting down")
				c.shutdown.Store(true)
				c.pieces.Broadcast()
				cancel()
				return nil
			}
		}
	}
}

func blocksPerPiece(pieceLen int64) int64 {
	n := pieceLen / config.Block
	if pieceLen%config.Block != 0 {
		n++
	}
	if n == 0 {
		n = 1
	}
	return n
}
