package swarm

import (
	"crypto/sha1"
	"testing"

	"github.com/nullstream/gobit/internal/config"
	"github.com/nullstream/gobit/internal/meta"
	"github.com/nullstream/gobit/internal/piecemap"
)

func TestBlocksPerPiece(t *testing.T) {
	tests := []struct {
		pieceLen int64
		want     int64
	}{
		{32768, 2},
		{16384, 1},
		{20000, 2},
		{1, 1},
	}
	for _, tt := range tests {
		if got := blocksPerPiece(tt.pieceLen); got != tt.want {
			t.Errorf("blocksPerPiece(%d) = %d, want %d", tt.pieceLen, got, tt.want)
		}
	}
}

func newTestMetainfo(t *testing.T, content []byte, pieceLen int64, announce string) *meta.Metainfo {
	t.Helper()
	numPieces := (len(content) + int(pieceLen) - 1) / int(pieceLen)
	hashes := make([][sha1.Size]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		start := i * int(pieceLen)
		end := min(start+int(pieceLen), len(content))
		hashes[i] = sha1.Sum(content[start:end])
	}
	return &meta.Metainfo{
		Info: &meta.Info{
			Name:        "f.bin",
			PieceLength: pieceLen,
			Pieces:      hashes,
			Length:      int64(len(content)),
		},
		Announce: announce,
	}
}

func TestNew_OpensFilesAndAllocatesEmptyPieceMap(t *testing.T) {
	content := make([]byte, 40000)
	mi := newTestMetainfo(t, content, 16384, "http://127.0.0.1:0/announce")
	cfg := config.Default(t.TempDir(), [20]byte{1})

	c, err := New(mi, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.files.Close()

	if c.pieces.Len() != mi.NumPieces() {
		t.Fatalf("pieces.Len() = %d, want %d", c.pieces.Len(), mi.NumPieces())
	}
	for i := 0; i < c.pieces.Len(); i++ {
		if c.pieces.State(i) != piecemap.Empty {
			t.Fatalf("piece %d state = %v, want Empty", i, c.pieces.State(i))
		}
	}
}

func TestNew_RejectsUnsupportedTrackerScheme(t *testing.T) {
	content := make([]byte, 1000)
	mi := newTestMetainfo(t, content, 16384, "ftp://tracker.example.com/announce")
	cfg := config.Default(t.TempDir(), [20]byte{1})

	if _, err := New(mi, cfg, nil); err == nil {
		t.Fatal("expected error for unsupported tracker scheme")
	}
}

func TestController_Remaining_ReflectsCompletedPieces(t *testing.T) {
	content := make([]byte, 40000) // 3 pieces of 16384, last partial
	mi := newTestMetainfo(t, content, 16384, "http://127.0.0.1:0/announce")
	cfg := config.Default(t.TempDir(), [20]byte{1})

	c, err := New(mi, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.files.Close()

	if got := c.remaining(); got != uint64(mi.TotalLength()) {
		t.Fatalf("remaining() = %d, want %d (nothing complete yet)", got, mi.TotalLength())
	}

	c.pieces.SetComplete(0)
	want := uint64(mi.TotalLength()) - uint64(mi.PieceLen(0))
	if got := c.remaining(); got != want {
		t.Fatalf("remaining() = %d, want %d", got, want)
	}

	for i := 0; i < c.pieces.Len(); i++ {
		c.pieces.SetComplete(i)
	}
	if got := c.remaining(); got != 0 {
		t.Fatalf("remaining() = %d, want 0 when all complete", got)
	}
}
