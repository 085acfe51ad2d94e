package bencode

import "testing"

func TestRawDictValue_OK(t *testing.T) {
	tests := []struct {
		name string
		in   string
		key  string
		want string
	}{
		{"top-level-string", "d4:name4:spam3:fooi1ee", "name", "4:spam"},
		{"nested-dict", "d8:announce3:foo4:infod6:lengthi10e4:name3:bareee", "info", "d6:lengthi10e4:name3:bare"},
		{"list-value", "d1:al1:x1:yee", "a", "l1:x1:ye"},
		{"integer-value", "d1:ai42ee", "a", "i42e"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RawDictValue([]byte(tt.in), tt.key)
			if err != nil {
				t.Fatalf("RawDictValue() error = %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("RawDictValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRawDictValue_KeyNotFound(t *testing.T) {
	_, err := RawDictValue([]byte("d1:ai1ee"), "missing")
	wantErrContains(t, err, "not found")
}

func TestRawDictValue_NotADict(t *testing.T) {
	_, err := RawDictValue([]byte("4:spam"), "a")
	wantErrContains(t, err, "not a dictionary")
}

func TestRawDictValue_PreservesByteIdentity(t *testing.T) {
	// The info sub-map must come back byte-for-byte identical to its
	// position in the source buffer, not a re-encoding of it, since the
	// info-hash is defined over the original bytes.
	raw := "d8:announce20:http://example.com/a4:infod6:lengthi12345e4:name9:movie.mkv12:piece lengthi262144e6:pieces20:aaaaaaaaaaaaaaaaaaaaee"
	got, err := RawDictValue([]byte(raw), "info")
	if err != nil {
		t.Fatalf("RawDictValue() error = %v", err)
	}

	want := "d6:lengthi12345e4:name9:movie.mkv12:piece lengthi262144e6:pieces20:aaaaaaaaaaaaaaaaaaaae"
	if string(got) != want {
		t.Fatalf("RawDictValue() = %q, want %q", got, want)
	}
}
