package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRecordID_String(t *testing.T) {
	if got := RecordID(5).String(); got != "5-0" {
		t.Fatalf("RecordID(5).String() = %q, want 5-0", got)
	}
	if got := RecordID(0).String(); got != "0-0" {
		t.Fatalf("RecordID(0).String() = %q, want 0-0", got)
	}
}

func TestParseRecordID(t *testing.T) {
	cases := []struct {
		in      string
		want    RecordID
		wantErr bool
	}{
		{"1-0", 1, false},
		{"42", 42, false},
		{" 7-0 ", 7, false},
		{"0", 0, false},
		{"3-1", 0, true},
		{"abc", 0, true},
		{"-1", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseRecordID(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseRecordID(%q) = %v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRecordID(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseRecordID(%q) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestRecordID_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		ID RecordID `json:"id"`
	}{ID: 12})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"id":"12-0"}` {
		t.Fatalf("marshal = %s", b)
	}

	var v struct {
		ID RecordID `json:"id"`
	}
	if err := json.Unmarshal([]byte(`{"id":"9-0"}`), &v); err != nil || v.ID != 9 {
		t.Fatalf("unmarshal string: id=%d err=%v", v.ID, err)
	}
	if err := json.Unmarshal([]byte(`{"id":4}`), &v); err != nil || v.ID != 4 {
		t.Fatalf("unmarshal number: id=%d err=%v", v.ID, err)
	}
}

func TestPendingEntry_Idle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := PendingEntry{ClaimedAt: now.Add(-5 * time.Minute)}
	if got := p.Idle(now); got != 5*time.Minute {
		t.Fatalf("Idle = %v, want 5m", got)
	}
	// Clock skew never yields negative idle time.
	future := PendingEntry{ClaimedAt: now.Add(time.Minute)}
	if got := future.Idle(now); got != 0 {
		t.Fatalf("Idle with future claim = %v, want 0", got)
	}
}

func TestConsumerHeartbeat_Presence(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ttl := 90 * time.Second
	cases := []struct {
		name     string
		ago      time.Duration
		alive    bool
		presence string
	}{
		{"fresh", 10 * time.Second, true, "online"},
		{"at ttl", ttl, true, "online"},
		{"stale", 2 * ttl, false, "stale"},
		{"dead", 4 * ttl, false, "dead"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := ConsumerHeartbeat{LastSeenAt: now.Add(-tc.ago), TTL: ttl}
			if got := h.Alive(now); got != tc.alive {
				t.Fatalf("Alive = %v, want %v", got, tc.alive)
			}
			if got := h.Presence(now); got != tc.presence {
				t.Fatalf("Presence = %q, want %q", got, tc.presence)
			}
		})
	}
}
