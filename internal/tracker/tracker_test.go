package tracker

import "testing"

func TestNew_DispatchesByScheme(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
		want    string
	}{
		{"http://tracker.example.com:6969/announce", false, "*tracker.HTTPTracker"},
		{"https://tracker.example.com/announce", false, "*tracker.HTTPTracker"},
		{"udp://127.0.0.1:6969/announce", false, "*tracker.UDPTracker"},
		{"ftp://tracker.example.com/announce", true, ""},
		{"://bad url", true, ""},
	}

	for _, tt := range tests {
		p, err := New(tt.url, nil)
		if tt.wantErr {
			if err == nil {
				t.Errorf("New(%q): expected error, got nil", tt.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("New(%q): unexpected error: %v", tt.url, err)
			continue
		}
		switch tt.want {
		case "*tracker.HTTPTracker":
			if _, ok := p.(*HTTPTracker); !ok {
				t.Errorf("New(%q) = %T, want *HTTPTracker", tt.url, p)
			}
		case "*tracker.UDPTracker":
			if _, ok := p.(*UDPTracker); !ok {
				t.Errorf("New(%q) = %T, want *UDPTracker", tt.url, p)
			}
		}
	}
}

func TestEvent_String(t *testing.T) {
	tests := []struct {
		e    Event
		want string
	}{
		{EventNone, ""},
		{EventStarted, "started"},
		{EventStopped, "stopped"},
		{EventCompleted, "completed"},
	}
	for _, tt := range tests {
		if got := tt.e.String(); got != tt.want {
			t.Errorf("Event(%d).String() = %q, want %q", tt.e, got, tt.want)
		}
	}
}
