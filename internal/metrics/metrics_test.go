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
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
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

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if tierAttemptsTotal == nil || cacheLookupsTotal == nil || extractionsTotal == nil {
		t.Fatal("Init() did not initialize collectors")
	}
}

func TestObserveTierAttempt(t *testing.T) {
	Init()
	before := testutil.ToFloat64(tierAttemptsTotal.WithLabelValues("direct", "blocked"))
	ObserveTierAttempt("direct", "blocked", 20*time.Millisecond)
	after := testutil.ToFloat64(tierAttemptsTotal.WithLabelValues("direct", "blocked"))
	if after-before != 1 {
		t.Errorf("expected one attempt recorded, got delta %f", after-before)
	}
}

func TestObserveFetchedBytesSkipsEmpty(t *testing.T) {
	Init()
	ObserveFetchedBytes("https://bytes.example/a", 0)
	ObserveFetchedBytes("https://bytes.example/a", 10)
	if val := testutil.ToFloat64(fetchedBytesTotal.WithLabelValues("bytes.example")); val != 10 {
		t.Errorf("expected 10 bytes, got %f", val)
	}
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
