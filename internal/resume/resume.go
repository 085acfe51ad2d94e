// Package resume implements the startup resume pass: reading whatever
// content already exists on disk and feeding it through the hash/commit
// pool as synthetic bundles, so a previously-interrupted download (or a
// freshly allocated, all-zero file) ends up with the correct piece map
// before any peer connection is accepted.
package resume

import (
	"context"
	"fmt"
	"time"

	"github.com/nullstream/gobit/internal/fileset"
	"github.com/nullstream/gobit/internal/hasher"
	"github.com/nullstream/gobit/internal/meta"
)

const blockSize = 16384

// Run reads every piece's existing on-disk content and submits it to pool,
// then blocks until the hasher has drained everything it was handed. On
// return, every piece whose on-disk content already matched its digest is
// COMPLETE; everything else is EMPTY (this includes pieces that are all
// zero because their file was just created).
func Run(ctx context.Context, mi *meta.Metainfo, files *fileset.Set, pool *hasher.Pool) error {
	numPieces := mi.NumPieces()

	for i := 0; i < numPieces; i++ {
		bundle, err := readExisting(mi, files, i)
		if err != nil {
			return fmt.Errorf("resume: piece %d: %w", i, err)
		}
		if len(bundle.Blocks) == 0 {
			continue
		}
		if err := pool.Submit(ctx, bundle); err != nil {
			return fmt.Errorf("resume: submit piece %d: %w", i, err)
		}
	}

	return drain(ctx, pool)
}

// readExisting assembles a bundle for piece i out of whatever sub-pieces
// can be read back; a sub-piece whose read fails outright is skipped
// rather than failing the whole pass, since a missing or truncated file
// on disk is an expected resume-time state, not an error.
func readExisting(mi *meta.Metainfo, files *fileset.Set, index int) (*hasher.Bundle, error) {
	pieceLen := mi.PieceLen(index)
	numSub := int(pieceLen / blockSize)
	lastSize := pieceLen % blockSize
	if lastSize != 0 {
		numSub++
	} else {
		lastSize = blockSize
	}

	bundle := &hasher.Bundle{PieceIndex: index}

	for sub := 0; sub < numSub; sub++ {
		begin := int64(sub) * blockSize
		size := int64(blockSize)
		if sub == numSub-1 {
			size = lastSize
		}

		data := make([]byte, size)
		if err := files.ReadBlock(index, begin, data); err != nil {
			continue
		}

		bundle.Blocks = append(bundle.Blocks, hasher.Block{Begin: begin, Data: data})
	}

	return bundle, nil
}

// drain blocks until the hasher has finished every bundle this pass
// submitted, so the piece map reflects on-disk reality before the caller
// starts accepting peer connections.
func drain(ctx context.Context, pool *hasher.Pool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !pool.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
