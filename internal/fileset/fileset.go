// Package fileset maps the torrent's logical byte address space onto its
// on-disk file list and performs positional reads and writes against
// arbitrary (piece_index, offset_within_piece, length) spans.
package fileset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nullstream/gobit/internal/meta"
)

// file is one on-disk target file, opened for the lifetime of the set, with
// its offset into the concatenated logical address space.
type file struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

// Set is an opened, positionally-addressable view of every file a torrent
// describes. Reads and writes use WriteAt/ReadAt so concurrent operations
// on disjoint spans of the same file never race on a shared cursor.
type Set struct {
	files     []*file
	pieceLen  int64
	totalSize int64
}

// Open creates (or reuses) every file mi describes under downloadDir,
// truncated/extended to its final length, and returns a Set ready for
// ReadBlock/WriteBlock.
func Open(mi *meta.Metainfo, downloadDir string) (*Set, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("fileset: create download dir: %w", err)
	}

	var (
		offset int64
		files  []*file
	)

	if len(mi.Info.Files) == 0 {
		fp := filepath.Join(downloadDir, mi.Info.Name)
		f, err := openFile(fp, mi.Info.Length, offset)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	} else {
		for _, entry := range mi.Info.Files {
			parts := append([]string{downloadDir, mi.Info.Name}, entry.Path...)
			fp := filepath.Join(parts...)

			f, err := openFile(fp, entry.Length, offset)
			if err != nil {
				return nil, err
			}
			files = append(files, f)
			offset += entry.Length
		}
	}

	return &Set{
		files:     files,
		pieceLen:  mi.Info.PieceLength,
		totalSize: mi.TotalLength(),
	}, nil
}

func openFile(path string, size, offset int64) (*file, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("fileset: mkdir for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fileset: open %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("fileset: truncate %s: %w", path, err)
	}

	return &file{f: f, offset: offset, length: size, path: path}, nil
}

// Close closes every underlying file handle, returning the first error
// encountered, if any.
func (s *Set) Close() error {
	var first error
	for _, f := range s.files {
		if err := f.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WriteBlock writes data at (pieceIndex, begin) into whichever files the
// resulting span intersects. The span may straddle a file boundary; it may
// not assume it fits within a single file.
func (s *Set) WriteBlock(pieceIndex int, begin int64, data []byte) error {
	return s.walkSpan(pieceIndex, begin, int64(len(data)), func(f *file, fileOff, dataOff, n int64) error {
		w, err := f.f.WriteAt(data[dataOff:dataOff+n], fileOff)
		if err != nil {
			return fmt.Errorf("fileset: write to %s: %w", f.path, err)
		}
		if int64(w) != n {
			return fmt.Errorf("fileset: short write to %s: wrote %d, want %d", f.path, w, n)
		}
		return nil
	})
}

// ReadBlock reads len(data) bytes starting at (pieceIndex, begin) from
// whichever files the span intersects, filling data in place.
func (s *Set) ReadBlock(pieceIndex int, begin int64, data []byte) error {
	return s.walkSpan(pieceIndex, begin, int64(len(data)), func(f *file, fileOff, dataOff, n int64) error {
		r, err := f.f.ReadAt(data[dataOff:dataOff+n], fileOff)
		if err != nil {
			return fmt.Errorf("fileset: read from %s: %w", f.path, err)
		}
		if int64(r) != n {
			return fmt.Errorf("fileset: short read from %s: read %d, want %d", f.path, r, n)
		}
		return nil
	})
}

// ReadPiece reads an entire piece's bytes, sized to the caller's buffer
// (the caller is expected to size it via Metainfo.PieceLen).
func (s *Set) ReadPiece(pieceIndex int, data []byte) error {
	return s.ReadBlock(pieceIndex, 0, data)
}

// walkSpan computes the absolute [start, start+length) span for
// (pieceIndex, begin) and invokes fn once per file it overlaps, with the
// offset into that file, the offset into the caller's buffer, and the
// overlap length.
func (s *Set) walkSpan(pieceIndex int, begin, length int64, fn func(f *file, fileOff, dataOff, n int64) error) error {
	absStart := int64(pieceIndex)*s.pieceLen + begin
	absEnd := absStart + length

	for _, f := range s.files {
		fileStart := f.offset
		fileEnd := f.offset + f.length

		overlapStart := max(absStart, fileStart)
		overlapEnd := min(absEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		n := overlapEnd - overlapStart
		if err := fn(f, overlapStart-fileStart, overlapStart-absStart, n); err != nil {
			return err
		}
	}

	return nil
}
