// Package parser runs the parser/dispatch worker pool: each worker owns one
// connection's inbound byte stream at a time, drives wire.PartialParse over
// it, and routes the resulting messages to the right place (an assembled
// piece bundle for the hasher, or a forwarded REQUEST for the seed half).
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nullstream/gobit/internal/hasher"
	"github.com/nullstream/gobit/internal/wire"
)

// ErrUnknownMessageID is returned when an established stream sends a tag
// outside the 9 recognised message kinds. A peer protocol violation, it
// terminates the connection's fetch loop.
var ErrUnknownMessageID = errors.New("parser: unknown message id")

// subpieceSet tracks which sub-pieces of the single piece a Fetching item
// is assembling have arrived, so a duplicate or re-sent PIECE message
// doesn't get double-counted towards the bundle.
type subpieceSet struct {
	have  []bool
	count int
}

func newSubpieceSet(n int) subpieceSet { return subpieceSet{have: make([]bool, n)} }

func (s *subpieceSet) has(i int) bool { return i >= 0 && i < len(s.have) && s.have[i] }

func (s *subpieceSet) mark(i int) {
	if i < 0 || i >= len(s.have) || s.have[i] {
		return
	}
	s.have[i] = true
	s.count++
}

// Result is what an Item resolves to: a completed piece bundle, or an error
// that ended the connection.
type Result struct {
	Bundle *hasher.Bundle
	Err    error
}

// Item is one connection's in-flight parse job. A Fetching item expects
// PIECE messages for PieceIndex and resolves once every sub-piece block has
// arrived. A Seeding item (NumSubpieces == 0) never resolves on its own; it
// forwards every REQUEST it sees to RequestOut until the connection dies or
// ctx is cancelled, reporting only a terminal error.
type Item struct {
	Conn             io.Reader
	PieceIndex       int
	SubpieceSize     int64
	NumSubpieces     int
	LastSubpieceSize int64
	RequestOut       chan<- *wire.Message
	Result           chan<- Result
}

func (it *Item) fetching() bool { return it.NumSubpieces > 0 }

// Pool is a bounded set of workers, each processing one Item for its full
// lifetime before picking up the next.
type Pool struct {
	items chan *Item
	log   *slog.Logger
}

// New returns a Pool with the given queue depth.
func New(queueSize int, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		items: make(chan *Item, queueSize),
		log:   log.With("component", "parser"),
	}
}

// Submit enqueues item for processing. Blocks if the queue is full; returns
// ctx.Err() if ctx is cancelled first.
func (p *Pool) Submit(ctx context.Context, item *Item) error {
	select {
	case p.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts n workers and blocks until ctx is cancelled and every worker
// exits.
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
		case item, ok := <-p.items:
			if !ok {
				return nil
			}
			p.process(ctx, item)
		}
	}
}

// process drives a single connection's read loop until a fetch resolves,
// the connection errors, or ctx is cancelled.
func (p *Pool) process(ctx context.Context, item *Item) {
	var (
		buf        []byte
		collected  []hasher.Block
		haveBlocks subpieceSet
	)
	if item.fetching() {
		haveBlocks = newSubpieceSet(item.NumSubpieces)
	}

	readBuf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			item.Result <- Result{Err: ctx.Err()}
			return
		default:
		}

		n, err := item.Conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
		}
		if err != nil {
			item.Result <- Result{Err: err}
			return
		}

		msgs, consumed, perr := wire.PartialParse(buf)
		buf = append(buf[:0], buf[consumed:]...)
		if perr != nil {
			item.Result <- Result{Err: perr}
			return
		}

		for _, m := range msgs {
			if wire.IsKeepAlive(m) {
				continue
			}
			if !m.ID.Known() {
				item.Result <- Result{Err: fmt.Errorf("%w: %d", ErrUnknownMessageID, byte(m.ID))}
				return
			}

			switch m.ID {
			case wire.Piece:
				if !item.fetching() {
					continue
				}
				idx, begin, block, ok := m.ParsePiece()
				if !ok || int(idx) != item.PieceIndex {
					continue
				}
				subIdx := int(begin / uint32(item.SubpieceSize))
				if subIdx < 0 || subIdx >= item.NumSubpieces || haveBlocks.has(subIdx) {
					continue
				}
				haveBlocks.mark(subIdx)
				collected = append(collected, hasher.Block{
					Begin: int64(begin),
					Data:  append([]byte(nil), block...),
				})

				if haveBlocks.count == item.NumSubpieces {
					item.Result <- Result{Bundle: &hasher.Bundle{
						PieceIndex: item.PieceIndex,
						Blocks:     collected,
					}}
					return
				}

			case wire.Request:
				if item.RequestOut != nil {
					select {
					case item.RequestOut <- m:
					case <-ctx.Done():
						item.Result <- Result{Err: ctx.Err()}
						return
					}
				}

			default:
				// Have, Bitfield, Choke, Unchoke, Interested,
				// NotInterested, Cancel carry no action here.
			}
		}
	}
}
