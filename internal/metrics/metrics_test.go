package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://JavDB.com/actors/x", "javdb.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveHelpersInitializeCollectors(t *testing.T) {
	Init()
	Init()

	ObserveGateDelay("https://gate.example/page", 250*time.Millisecond)
	ObserveChallenge("browser", "timeout")
	ObserveChallenge("browser", "timeout")

	if val := testutil.ToFloat64(challengesTotal.WithLabelValues("browser", "timeout")); val != 2 {
		t.Errorf("expected 2 browser timeouts, got %f", val)
	}
	if n := testutil.CollectAndCount(gateDelaySeconds); n < 1 {
		t.Errorf("expected gate delay to be observed, got %d series", n)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://javdb.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
