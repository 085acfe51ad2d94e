// Package meta decodes BitTorrent metainfo (.torrent) files and exposes
// the pieces of it the rest of gobit needs: the info hash, piece geometry,
// and the file list.
package meta

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"strings"

	"github.com/nullstream/gobit/pkg/bencode"
	"github.com/nullstream/gobit/pkg/cast"
)

// Metainfo is the read-only-after-load projection of a decoded .torrent
// file that the rest of the client needs.
type Metainfo struct {
	Info     *Info
	Announce string
	InfoHash [sha1.Size]byte
}

// Info is the decoded "info" sub-map: name, piece geometry, and the file
// layout (single-file mode collapses to Length>0 and Files==nil).
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][sha1.Size]byte
	Length      int64
	Files       []*File
}

// File is one entry of a multi-file torrent's file list, in metainfo
// order.
type File struct {
	Length int64
	Path   []string
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: announce missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
	ErrUnsafePathSegment   = errors.New("metainfo: unsafe path segment")
)

// validatePathSegment rejects a name/path component that could escape the
// download directory when joined onto it: empty, ".", "..", or containing
// a path separator.
func validatePathSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\\") {
		return fmt.Errorf("%w: %q", ErrUnsafePathSegment, s)
	}
	return nil
}

// NumPieces returns the number of pieces implied by the pieces digest
// list.
func (m *Metainfo) NumPieces() int { return len(m.Info.Pieces) }

// TotalLength returns the sum of file lengths (equivalently, the single
// Length field for single-file torrents).
func (m *Metainfo) TotalLength() int64 {
	if m.Info.Length > 0 || len(m.Info.Files) == 0 {
		return m.Info.Length
	}

	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}
	return sum
}

// PieceLen returns the length of piece i: PieceLength for every piece
// except possibly the last, which may be shorter.
func (m *Metainfo) PieceLen(i int) int64 {
	if i < m.NumPieces()-1 {
		return m.Info.PieceLength
	}

	total := m.TotalLength()
	last := total - int64(m.NumPieces()-1)*m.Info.PieceLength
	return last
}

// ParseMetainfo decodes a .torrent file's bytes.
//
// The info_hash is computed from the raw bencoded bytes of the "info"
// sub-map as it appears in data, not from a re-encoding of the decoded
// value: bencode.RawDictValue recovers that byte span directly from the
// source buffer so the hash is exactly the one every other BitTorrent
// implementation will compute.
func ParseMetainfo(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := resolveAnnounce(root)
	if err != nil {
		return nil, err
	}

	info, err := parseInfo(root["info"])
	if err != nil {
		return nil, err
	}

	rawInfo, err := bencode.RawDictValue(data, "info")
	if err != nil {
		return nil, fmt.Errorf("metainfo: locating raw info span: %w", err)
	}

	return &Metainfo{
		Info:     info,
		InfoHash: sha1.Sum(rawInfo),
		Announce: announce,
	}, nil
}

// resolveAnnounce picks the single tracker endpoint gobit will use: the
// "announce" key if present, otherwise the first URL of the first
// announce-list tier. Multi-tracker tier fallback at runtime is out of
// scope; gobit commits to one endpoint at startup.
func resolveAnnounce(root map[string]any) (string, error) {
	if v, ok := root["announce"]; ok {
		s, err := cast.ToString(v)
		if err == nil && s != "" {
			return s, nil
		}
	}

	if v, ok := root["announce-list"]; ok {
		if tiers, ok := v.([]any); ok {
			for _, tier := range tiers {
				urls, err := cast.ToStringSlice(tier)
				if err == nil && len(urls) > 0 {
					return urls[0], nil
				}
			}
		}
	}

	return "", ErrAnnounceMissing
}

func parseInfo(anyInfo any) (*Info, error) {
	if anyInfo == nil {
		return nil, ErrInfoMissing
	}
	dict, ok := anyInfo.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	var (
		out Info
		err error
	)

	nameVal, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	out.Name, err = cast.ToString(nameVal)
	if err != nil || out.Name == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}
	if err := validatePathSegment(out.Name); err != nil {
		return nil, err
	}

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	plen, err := cast.ToInt(plVal)
	if err != nil || plen <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	out.PieceLength = plen

	out.Pieces, err = parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}

	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, err := cast.ToInt(lengthVal)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("metainfo: invalid 'length'")
		}
		out.Length = length

	case hasFiles && !hasLength:
		out.Files, err = parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrLayoutInvalid
	}

	if err := validateGeometry(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// validateGeometry confirms total_len = (num_pieces-1)*piece_len + tail_len
// with 0 < tail_len <= piece_len, per spec.md §3.
func validateGeometry(info *Info) error {
	var total int64
	if len(info.Files) > 0 {
		for _, f := range info.Files {
			total += f.Length
		}
	} else {
		total = info.Length
	}

	numPieces := len(info.Pieces)
	if numPieces == 0 {
		return ErrPiecesMissing
	}

	expectedFullPieces := int64(numPieces-1) * info.PieceLength
	tail := total - expectedFullPieces
	if tail <= 0 || tail > info.PieceLength {
		return fmt.Errorf(
			"metainfo: piece geometry inconsistent: total=%d piece_len=%d num_pieces=%d",
			total, info.PieceLength, numPieces,
		)
	}

	return nil
}

func parseFiles(v any) ([]*File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]*File, 0, len(arr))

	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		fl, ok := m["length"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: length missing", i)
		}
		ln, err := cast.ToInt(fl)
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		rawPath, ok := m["path"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: path missing", i)
		}
		segments, err := cast.ToStringSlice(rawPath)
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}
		for _, seg := range segments {
			if err := validatePathSegment(seg); err != nil {
				return nil, fmt.Errorf("metainfo: files[%d]: %w", i, err)
			}
		}

		files = append(files, &File{Length: ln, Path: segments})
	}

	return files, nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	pieceBytes, err := cast.ToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(pieceBytes)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(pieceBytes) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := range n {
		copy(out[i][:], pieceBytes[i*sha1.Size:(i+1)*sha1.Size])
	}

	return out, nil
}
