package bencode

import (
	"fmt"
	"strconv"
)

// RawDictValue scans a bencoded dictionary at the start of data and returns
// the raw encoded bytes of the value stored under key, without decoding the
// value into a Go type. It exists because a decode-then-Marshal round trip
// is not the same thing as the original bytes: callers that need to hash or
// otherwise treat a sub-value byte-exactly (the info dict of a metainfo
// file, most notably) must work from the source buffer, not a re-encoding
// of it.
func RawDictValue(data []byte, key string) ([]byte, error) {
	if len(data) == 0 || data[0] != byte(TokenDict) {
		return nil, fmt.Errorf("bencoding: not a dictionary")
	}

	i := 1
	for {
		if i >= len(data) {
			return nil, fmt.Errorf("bencoding: unexpected eof in dictionary")
		}
		if data[i] == byte(TokenEnding) {
			return nil, fmt.Errorf("bencoding: key %q not found", key)
		}

		k, next, err := scanString(data, i)
		if err != nil {
			return nil, err
		}

		valStart := next
		valEnd, err := scanValue(data, next)
		if err != nil {
			return nil, err
		}

		if k == key {
			return data[valStart:valEnd], nil
		}
		i = valEnd
	}
}

// scanString reads a bencoded byte string starting at i and returns its
// decoded value plus the index immediately following it.
func scanString(data []byte, i int) (string, int, error) {
	start := i
	for i < len(data) && data[i] != byte(TokenStringSeparator) {
		if data[i] < '0' || data[i] > '9' {
			return "", 0, fmt.Errorf("bencoding: invalid string length at offset %d", start)
		}
		i++
	}
	if i >= len(data) {
		return "", 0, fmt.Errorf("bencoding: unterminated string length")
	}

	n, err := strconv.Atoi(string(data[start:i]))
	if err != nil {
		return "", 0, fmt.Errorf("bencoding: %w", err)
	}

	i++ // skip ':'
	if n < 0 || i+n > len(data) {
		return "", 0, fmt.Errorf("bencoding: string runs past end of input")
	}
	return string(data[i : i+n]), i + n, nil
}

// scanValue returns the index immediately following the bencoded value that
// begins at i, without allocating a decoded representation of it.
func scanValue(data []byte, i int) (int, error) {
	if i >= len(data) {
		return 0, fmt.Errorf("bencoding: unexpected eof")
	}

	switch data[i] {
	case byte(TokenDict):
		i++
		for {
			if i >= len(data) {
				return 0, fmt.Errorf("bencoding: unexpected eof in dictionary")
			}
			if data[i] == byte(TokenEnding) {
				return i + 1, nil
			}

			_, next, err := scanString(data, i)
			if err != nil {
				return 0, err
			}
			next, err = scanValue(data, next)
			if err != nil {
				return 0, err
			}
			i = next
		}

	case byte(TokenList):
		i++
		for {
			if i >= len(data) {
				return 0, fmt.Errorf("bencoding: unexpected eof in list")
			}
			if data[i] == byte(TokenEnding) {
				return i + 1, nil
			}

			next, err := scanValue(data, i)
			if err != nil {
				return 0, err
			}
			i = next
		}

	case byte(TokenInteger):
		j := i + 1
		for j < len(data) && data[j] != byte(TokenEnding) {
			j++
		}
		if j >= len(data) {
			return 0, fmt.Errorf("bencoding: unterminated integer")
		}
		return j + 1, nil

	default:
		_, next, err := scanString(data, i)
		return next, err
	}
}
