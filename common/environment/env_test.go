package environment_test

import (
	"testing"
	"time"

	"github.com/bdobrica/kantai/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("TEST_STRING", "hello")
	if got := environment.StringOr("TEST_STRING", "default"); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if got := environment.StringOr("TEST_STRING_MISSING", "default"); got != "default" {
		t.Errorf("expected %q, got %q", "default", got)
	}
	t.Setenv("TEST_STRING_BLANK", "   ")
	if got := environment.StringOr("TEST_STRING_BLANK", "default"); got != "default" {
		t.Errorf("blank value: expected default, got %q", got)
	}
}

func TestBoolOr(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !environment.BoolOr("TEST_BOOL", false) {
		t.Error("expected true")
	}
	t.Setenv("TEST_BOOL_BAD", "maybe")
	if environment.BoolOr("TEST_BOOL_BAD", false) {
		t.Error("malformed value should fall back to default")
	}
}

func TestIntOr(t *testing.T) {
	t.Setenv("TEST_PORT", "43000")
	if got := environment.IntOr("TEST_PORT", 1); got != 43000 {
		t.Errorf("expected 43000, got %d", got)
	}
	t.Setenv("TEST_PORT_BAD", "forty")
	if got := environment.IntOr("TEST_PORT_BAD", 7); got != 7 {
		t.Errorf("expected default 7, got %d", got)
	}
}

func TestDurationOr(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"12", 12 * time.Second},
		{"soon", time.Minute},
	}
	for _, tc := range cases {
		t.Setenv("TEST_DURATION", tc.value)
		if got := environment.DurationOr("TEST_DURATION", time.Minute); got != tc.want {
			t.Errorf("DurationOr(%q) = %s, want %s", tc.value, got, tc.want)
		}
	}
}

func TestLocationOr(t *testing.T) {
	t.Setenv("TEST_TZ", "UTC")
	if got := environment.LocationOr("TEST_TZ", time.Local); got != time.UTC {
		t.Errorf("expected UTC, got %v", got)
	}
	t.Setenv("TEST_TZ_BAD", "Mars/Olympus_Mons")
	if got := environment.LocationOr("TEST_TZ_BAD", time.UTC); got != time.UTC {
		t.Errorf("unknown zone should fall back to default, got %v", got)
	}
}
