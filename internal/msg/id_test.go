package msg

import (
	"strings"
	"testing"
	"time"
)

func TestNewIDShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if len(id) != 26 {
			t.Fatalf("id length = %d, want 26 (%q)", len(id), id)
		}
		for _, c := range id {
			if !strings.ContainsRune(idAlphabet, c) {
				t.Fatalf("id %q contains %q outside the Crockford alphabet", id, c)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewIDTimeOrdered(t *testing.T) {
	t0 := time.UnixMilli(1710000000000)
	earlier := NewIDAt(t0)
	later := NewIDAt(t0.Add(5 * time.Millisecond))
	if !(earlier < later) {
		t.Errorf("ids not time-ordered: %q !< %q", earlier, later)
	}
}

func TestIDTimeRoundTrip(t *testing.T) {
	want := time.UnixMilli(1710000000123)
	id := NewIDAt(want)
	got := IDTime(id)
	if !got.Equal(want) {
		t.Errorf("IDTime = %v, want %v", got, want)
	}
}

func TestIDTimeRejectsGarbage(t *testing.T) {
	for _, id := range []string{"", "short", strings.Repeat("!", 26)} {
		if got := IDTime(id); !got.IsZero() {
			t.Errorf("IDTime(%q) = %v, want zero time", id, got)
		}
	}
}
