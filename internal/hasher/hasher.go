// Package hasher runs the hash/commit worker pool: it consumes assembled
// piece bundles, verifies them against the expected SHA-1, and either
// commits them to disk or releases the slot for another attempt.
package hasher

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nullstream/gobit/internal/fileset"
	"github.com/nullstream/gobit/internal/meta"
	"github.com/nullstream/gobit/internal/piecemap"
)

// Block is one sub-piece of a Bundle, offset within the piece.
type Block struct {
	Begin int64
	Data  []byte
}

// Bundle is every block of a single piece, handed to the pool as the unit
// of hashing and committing. Producers may submit blocks out of order; the
// pool sorts them before hashing.
type Bundle struct {
	PieceIndex int
	Blocks     []Block
}

// Pool is a bounded set of workers draining a shared FIFO of piece bundles.
type Pool struct {
	queue   chan *Bundle
	mi      *meta.Metainfo
	files   *fileset.Set
	pieces  *piecemap.Map
	log     *slog.Logger
	pending atomic.Int64
}

// New returns a Pool with the given queue depth. Submit returns at once
// while the queue has room and blocks the caller once it is full,
// providing natural backpressure on connection actors.
func New(mi *meta.Metainfo, files *fileset.Set, pieces *piecemap.Map, queueSize int, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		queue:  make(chan *Bundle, queueSize),
		mi:     mi,
		files:  files,
		pieces: pieces,
		log:    log.With("component", "hasher"),
	}
}

// Submit enqueues a bundle for verification. Blocks if the queue is full;
// returns ctx.Err() if ctx is cancelled first.
func (p *Pool) Submit(ctx context.Context, b *Bundle) error {
	select {
	case p.queue <- b:
		p.pending.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueLen reports how many bundles are currently buffered.
func (p *Pool) QueueLen() int { return len(p.queue) }

// Idle reports whether every submitted bundle has finished processing
// (verified and either committed or released), used by the resume pass to
// know when the piece map reflects on-disk reality.
func (p *Pool) Idle() bool { return p.pending.Load() == 0 }

// Run starts n workers and blocks until ctx is cancelled and every worker
// has exited. Workers consult ctx.Done() both while idle and between
// bundles, so cancellation is prompt even under a full queue.
func (p *Pool) Run(ctx context.Context, n int) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error { return p.worker(gctx) })
	}
	return g.Wait()
}

func (p *Pool) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-p.queue:
			if !ok {
				return nil
			}
			if err := p.process(b); err != nil {
				p.log.Error("verify piece failed", "piece", b.PieceIndex, "error", err.Error())
			}
			p.pending.Add(-1)
		}
	}
}

func (p *Pool) process(b *Bundle) error {
	sort.Slice(b.Blocks, func(i, j int) bool { return b.Blocks[i].Begin < b.Blocks[j].Begin })

	size := p.mi.PieceLen(b.PieceIndex)
	buf := make([]byte, size)
	for _, blk := range b.Blocks {
		if blk.Begin < 0 || blk.Begin+int64(len(blk.Data)) > size {
			return fmt.Errorf("hasher: piece %d: block at %d overruns piece bounds", b.PieceIndex, blk.Begin)
		}
		copy(buf[blk.Begin:], blk.Data)
	}

	sum := sha1.Sum(buf)
	if sum != p.mi.Info.Pieces[b.PieceIndex] {
		p.log.Warn("piece hash mismatch, releasing", "piece", b.PieceIndex)
		p.pieces.Release(b.PieceIndex)
		return nil
	}

	if err := p.files.WriteBlock(b.PieceIndex, 0, buf); err != nil {
		p.pieces.Release(b.PieceIndex)
		return fmt.Errorf("hasher: commit piece %d: %w", b.PieceIndex, err)
	}

	p.pieces.Complete(b.PieceIndex)
	p.log.Debug("piece committed", "piece", b.PieceIndex)

	return nil
}
