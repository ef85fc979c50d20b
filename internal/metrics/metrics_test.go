package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
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

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if attemptsTotal == nil || httpRequestsTotal == nil || proxyHealth == nil || domainLimit == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveAttemptCountsByOutcome(t *testing.T) {
	Init()
	before := testutil.ToFloat64(attemptsTotal.WithLabelValues("shop.example", "blocked"))
	bytesBefore := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("shop.example"))

	ObserveAttempt("shop.example", "blocked", 512)
	ObserveAttempt("https://Shop.Example/p/1", "blocked", 0)

	if got := testutil.ToFloat64(attemptsTotal.WithLabelValues("shop.example", "blocked")) - before; got != 2 {
		t.Errorf("expected 2 blocked attempts, got %f", got)
	}
	if got := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("shop.example")) - bytesBefore; got != 512 {
		t.Errorf("expected 512 bytes, got %f", got)
	}
}

func TestSetProxyFlipsStateGauges(t *testing.T) {
	SetProxy("10.1.1.1:3128", "cooling", 20)

	if got := testutil.ToFloat64(proxyHealth.WithLabelValues("10.1.1.1:3128")); got != 20 {
		t.Errorf("expected health 20, got %f", got)
	}
	if got := testutil.ToFloat64(proxyState.WithLabelValues("10.1.1.1:3128", "cooling")); got != 1 {
		t.Errorf("expected cooling=1, got %f", got)
	}
	if got := testutil.ToFloat64(proxyState.WithLabelValues("10.1.1.1:3128", "active")); got != 0 {
		t.Errorf("expected active=0, got %f", got)
	}

	SetProxy("10.1.1.1:3128", "active", 50)
	if got := testutil.ToFloat64(proxyState.WithLabelValues("10.1.1.1:3128", "active")); got != 1 {
		t.Errorf("expected active=1 after recovery, got %f", got)
	}
}

func TestDomainGauges(t *testing.T) {
	SetDomainLimit("api.example", 8)
	SetDomainInFlight("api.example", 3)
	ObserveSlotWait("api.example", 250*time.Millisecond)

	if got := testutil.ToFloat64(domainLimit.WithLabelValues("api.example")); got != 8 {
		t.Errorf("expected limit 8, got %f", got)
	}
	if got := testutil.ToFloat64(domainInFlight.WithLabelValues("api.example")); got != 3 {
		t.Errorf("expected in-flight 3, got %f", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	ObserveTask("acked")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "harvester_tasks_total") {
		t.Fatal("expected harvester_tasks_total in exposition")
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
