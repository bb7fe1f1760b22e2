package metrics

import (
	"testing"

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
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
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

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if ticksTotal == nil || itemsTotal == nil || jobsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveCounters(t *testing.T) {
	ObserveTick("", "idle")
	ObserveTick("deploy", "worked")
	ObserveItem("push_batches", "failed")
	ObserveGitHubRequest("create_blob", 201)
	ObserveRateLimitPause()
	ObserveJob("export", "completed")

	if val := testutil.ToFloat64(ticksTotal.WithLabelValues("none", "idle")); val != 1 {
		t.Errorf("expected idle tick count 1, got %f", val)
	}
	if val := testutil.ToFloat64(ticksTotal.WithLabelValues("deploy", "worked")); val != 1 {
		t.Errorf("expected deploy tick count 1, got %f", val)
	}
	if val := testutil.ToFloat64(itemsTotal.WithLabelValues("push_batches", "failed")); val != 1 {
		t.Errorf("expected failed item count 1, got %f", val)
	}
	if val := testutil.ToFloat64(githubRequestsTotal.WithLabelValues("create_blob", "201")); val != 1 {
		t.Errorf("expected github request count 1, got %f", val)
	}
	if val := testutil.ToFloat64(rateLimitPausesTotal); val != 1 {
		t.Errorf("expected pause count 1, got %f", val)
	}
	if val := testutil.ToFloat64(jobsTotal.WithLabelValues("export", "completed")); val != 1 {
		t.Errorf("expected job count 1, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
