package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/config"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
)

func testDetector() *Detector {
	return New(Config{
		BlockStatuses: []int{403, 429},
		BodyMarkers:   []string{"captcha", "Are you a robot", "access denied", "cf-chl"},
		JSONMarkers:   []string{"error", "errors.0.message"},
		HeaderMarkers: []string{"cf-mitigated: challenge", "x-px-block"},
		MinBodyBytes:  16,
	})
}

func TestClassify(t *testing.T) {
	t.Parallel()

	page := []byte("<html><body><h1>Milk 2L</h1><p>$3.49</p></body></html>")
	doc := []byte(`{"items":[{"sku":"A1","price":3.49}]}`)
	htmlHeader := http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}
	dataDome := http.Header{"Content-Type": []string{"application/json"}, "X-Datadome": []string{"protected"}}

	tests := []struct {
		name    string
		format  string
		status  int
		headers http.Header
		body    []byte
		kind    extract.OutcomeKind
		reason  string
	}{
		{name: "html success", format: FormatHTML, status: 200, body: page, kind: extract.OutcomeSuccess},
		{name: "json success", format: FormatJSON, status: 200, body: doc, kind: extract.OutcomeSuccess},
		{name: "rate limited", format: FormatHTML, status: 429, body: page, kind: extract.OutcomeBlocked, reason: "rate_limited"},
		{name: "forbidden", format: FormatJSON, status: 403, body: doc, kind: extract.OutcomeBlocked, reason: "access_denied"},
		{name: "challenge header", format: FormatHTML, status: 200, headers: http.Header{"Cf-Mitigated": []string{"challenge"}}, body: page, kind: extract.OutcomeBlocked, reason: "challenge_header:cf-mitigated"},
		{name: "captcha marker on 200", format: FormatHTML, status: 200, body: []byte("<html><div class=g-recaptcha>Please solve the CAPTCHA</div></html>"), kind: extract.OutcomeBlocked, reason: "challenge_marker:captcha"},
		{name: "marker beats 5xx", format: FormatHTML, status: 503, body: []byte("<html>Are you a robot? Checking your browser</html>"), kind: extract.OutcomeBlocked, reason: "challenge_marker:are you a robot"},
		{name: "header value must match", format: FormatHTML, status: 200, headers: http.Header{"Cf-Mitigated": []string{"none"}}, body: page, kind: extract.OutcomeSuccess},
		{name: "presence-only header", format: FormatJSON, status: 200, headers: http.Header{"X-Px-Block": []string{"1"}}, body: doc, kind: extract.OutcomeBlocked, reason: "challenge_header:x-px-block"},
		{name: "passing datadome response", format: FormatJSON, status: 200, headers: dataDome, body: []byte(`{"sku":"A1","price":4.29}`), kind: extract.OutcomeSuccess},
		{name: "captcha in json error field", format: FormatJSON, status: 200, body: []byte(`{"error":"CAPTCHA required"}`), kind: extract.OutcomeBlocked, reason: "challenge_marker:captcha"},
		{name: "captcha in nested json error", format: FormatJSON, status: 200, body: []byte(`{"errors":[{"message":"access denied"}]}`), kind: extract.OutcomeBlocked, reason: "challenge_marker:access denied"},
		{name: "benign json error field", format: FormatJSON, status: 200, body: []byte(`{"error":null,"items":[{"sku":"captcha-kit"}]}`), kind: extract.OutcomeSuccess},
		{name: "marker inside json is data", format: FormatJSON, status: 200, body: []byte(`{"title":"captcha-proof lock","sku":"L9"}`), kind: extract.OutcomeSuccess},
		{name: "server error", format: FormatHTML, status: 502, body: page, kind: extract.OutcomeNetworkError, reason: "http_status_502"},
		{name: "not found", format: FormatJSON, status: 404, body: doc, kind: extract.OutcomeNetworkError, reason: "http_status_404"},
		{name: "empty body", format: FormatHTML, status: 200, body: []byte("   "), kind: extract.OutcomeBlocked, reason: "empty_body"},
		{name: "html instead of json", format: FormatJSON, status: 200, headers: htmlHeader, body: page, kind: extract.OutcomeBlocked, reason: "unexpected_html"},
		{name: "doctype sniffed", format: FormatJSON, status: 200, body: []byte("<!DOCTYPE html><html><body>maintenance</body></html>"), kind: extract.OutcomeBlocked, reason: "unexpected_html"},
		{name: "truncated json", format: FormatJSON, status: 200, body: []byte(`{"items":[{"sku":"A1","price":`), kind: extract.OutcomeParseError, reason: "invalid_json"},
	}

	base := testDetector()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := base.WithFormat(tc.format).Classify(tc.status, tc.headers, tc.body)
			require.Equal(t, tc.kind, got.Kind)
			require.Equal(t, tc.status, got.Status)
			if tc.reason != "" {
				require.Equal(t, tc.reason, got.Reason)
			}
			if tc.kind == extract.OutcomeSuccess {
				require.Equal(t, tc.body, got.Payload)
			}
		})
	}
}

func TestWithFormatLeavesBaseUntouched(t *testing.T) {
	t.Parallel()

	base := testDetector()
	jsonDet := base.WithFormat(" JSON ")
	require.Equal(t, FormatJSON, jsonDet.Format())
	require.Equal(t, FormatHTML, base.Format())
	require.Equal(t, FormatHTML, base.WithFormat("").Format())
}

func TestNewSkipsBlankMarkers(t *testing.T) {
	t.Parallel()

	d := New(Config{BodyMarkers: []string{"", "  "}, HeaderMarkers: []string{" "}})
	got := d.Classify(200, nil, []byte(strings.Repeat("x", 32)))
	require.Equal(t, extract.OutcomeSuccess, got.Kind)
}

func TestSetUsesDomainFormat(t *testing.T) {
	t.Parallel()

	set := NewSet(testDetector(), map[string]string{"API.Shop.example": FormatJSON})
	require.Equal(t, FormatJSON, set.For("api.shop.example").Format())
	require.Equal(t, FormatHTML, set.For("other.example").Format())

	body := []byte("this is plain text, long enough")
	require.Equal(t, extract.OutcomeParseError, set.Classify("api.shop.example", 200, nil, body).Kind)
	require.Equal(t, extract.OutcomeSuccess, set.Classify("other.example", 200, nil, body).Kind)
}

func TestDefaultMarkersPassDataDomeResponses(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	d := New(Config{
		BlockStatuses: cfg.Detector.BlockStatuses,
		BodyMarkers:   cfg.Detector.BodyMarkers,
		JSONMarkers:   cfg.Detector.JSONMarkers,
		HeaderMarkers: cfg.Detector.HeaderMarkers,
		MinBodyBytes:  cfg.Detector.MinBodyBytes,
	}).WithFormat(FormatJSON)

	headers := http.Header{"Content-Type": []string{"application/json"}, "X-Datadome": []string{"protected"}}
	got := d.Classify(200, headers, []byte(`{"sku":"A1","price":4.29}`))
	require.Equal(t, extract.OutcomeSuccess, got.Kind)

	headers.Set("Cf-Mitigated", "challenge")
	got = d.Classify(200, headers, []byte(`{"sku":"A1","price":4.29}`))
	require.Equal(t, extract.OutcomeBlocked, got.Kind)
	require.Equal(t, "challenge_header:cf-mitigated", got.Reason)
}

func TestSetFallbackFormat(t *testing.T) {
	t.Parallel()

	set := NewSet(testDetector(), map[string]string{FallbackDomain: FormatJSON})
	require.Equal(t, FormatJSON, set.For("unlisted.example").Format())
}
