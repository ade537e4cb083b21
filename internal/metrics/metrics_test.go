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
		{"standard https", "https://Www.Ebay.co.uk/sch/i.html", "www.ebay.co.uk"},
		{"no scheme", "example.com/path", "example.com"},
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

func TestInitAndObserve(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlerFetchTotal == nil || crawlerListingsTotal == nil || crawlerFailuresTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	before := testutil.ToFloat64(crawlerFetchTotal.WithLabelValues("www.ebay.co.uk", "success"))
	ObserveFetch("https://www.ebay.co.uk/itm/1", "success", 512, 300*time.Millisecond)
	if val := testutil.ToFloat64(crawlerFetchTotal.WithLabelValues("www.ebay.co.uk", "success")); val != before+1 {
		t.Errorf("Expected crawler_fetch_total to grow by 1, got %f -> %f", before, val)
	}

	before = testutil.ToFloat64(crawlerListingsTotal.WithLabelValues("duplicate"))
	ObserveListing("duplicate")
	if val := testutil.ToFloat64(crawlerListingsTotal.WithLabelValues("duplicate")); val != before+1 {
		t.Errorf("Expected crawler_listings_total{duplicate} to grow by 1, got %f", val)
	}

	SetThrottleDelay(1500 * time.Millisecond)
	if val := testutil.ToFloat64(crawlerThrottleDelaySeconds); val != 1.5 {
		t.Errorf("Expected throttle delay gauge to be 1.5, got %f", val)
	}

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(crawlerActiveWorkers); val < 1 {
		t.Errorf("Expected active workers to be at least 1, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://www.ebay.co.uk", "ftp://example.com"}
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
