package normalize

import (
	"errors"
	"testing"
	"time"

	"parkwatch/internal/config"
)

func TestCleanIdentity(t *testing.T) {
	cases := map[string]string{
		"\x02v100000001\r\n": "V100000001",
		"  V100000001  ":     "V100000001",
		"\x02V1000\x0300001": "V100000001",
		"\r\n":               "",
	}
	for in, want := range cases {
		if got := CleanIdentity(in); got != want {
			t.Fatalf("CleanIdentity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeRejectsShortIdentity(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := Normalize(TagFields{Identity: "V12"}, cfg); !errors.Is(err, ErrShortIdentity) {
		t.Fatalf("expected ErrShortIdentity, got %v", err)
	}
	if _, err := Normalize(TagFields{Identity: "\x02\r\n"}, cfg); !errors.Is(err, ErrEmptyIdentity) {
		t.Fatalf("expected ErrEmptyIdentity, got %v", err)
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	cfg := config.DefaultConfig()
	ev, err := Normalize(TagFields{Identity: "v100000001", Timestamp: "2026-02-23T12:34:56Z", Reader: "gate-1"}, cfg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Identity != "V100000001" || ev.Source != "gate-1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !ev.Timestamp.Equal(time.Date(2026, 2, 23, 12, 34, 56, 0, time.UTC)) {
		t.Fatalf("timestamp: %v", ev.Timestamp)
	}
	if _, err := Normalize(TagFields{Identity: "V100000001", Timestamp: "yesterday"}, cfg); err == nil {
		t.Fatalf("expected timestamp error")
	}
}

func TestParseUnixMillis(t *testing.T) {
	ts, err := ParseTimestamp("1772000000123", time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ts.UnixMilli() != 1772000000123 {
		t.Fatalf("millis: %d", ts.UnixMilli())
	}
}
