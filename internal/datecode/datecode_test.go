package datecode

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestEncode(t *testing.T) {
	loc := mustLoc(t, "America/Denver")

	cases := []struct {
		iso  string
		want string
	}{
		{"2025-03-16", "Sunday, March 16, 2025"},
		{"2025-01-01", "Wednesday, January 1, 2025"},
		{"2025-12-25", "Thursday, December 25, 2025"},
	}

	for _, c := range cases {
		got, err := Encode(c.iso, loc)
		if err != nil {
			t.Errorf("Encode(%q) returned error: %v", c.iso, err)
			continue
		}
		if got != c.want {
			t.Errorf("Encode(%q) = %q, want %q", c.iso, got, c.want)
		}
	}
}

func TestEncodeBadDate(t *testing.T) {
	loc := mustLoc(t, "America/Denver")
	if _, err := Encode("not-a-date", loc); err == nil {
		t.Error("expected error for malformed date")
	}
	if _, err := Encode("2025-13-40", loc); err == nil {
		t.Error("expected error for out-of-range date")
	}
}

func TestDecode(t *testing.T) {
	loc := mustLoc(t, "America/Denver")
	got, err := Decode("Sunday, March 16, 2025", loc)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if got != "2025-03-16" {
		t.Errorf("Decode = %q, want 2025-03-16", got)
	}
}

func TestDecodeBadLabel(t *testing.T) {
	loc := mustLoc(t, "America/Denver")
	if _, err := Decode("garbage", loc); err == nil {
		t.Error("expected error for malformed label")
	}
}

func TestRoundTrip(t *testing.T) {
	loc := mustLoc(t, "America/Denver")
	dates := []string{"2025-03-16", "2026-07-30", "2025-02-28", "2028-02-29"}

	for _, d := range dates {
		label, err := Encode(d, loc)
		if err != nil {
			t.Errorf("Encode(%q): %v", d, err)
			continue
		}
		back, err := Decode(label, loc)
		if err != nil {
			t.Errorf("Decode(%q): %v", label, err)
			continue
		}
		if back != d {
			t.Errorf("round trip: Encode(%q)=%q Decode=%q, want %q", d, label, back, d)
		}
	}
}
